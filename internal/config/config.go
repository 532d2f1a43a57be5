// Package config loads the optional .orchestrator.yaml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up from the workspace upward.
const FileName = ".orchestrator.yaml"

// Defaults for every optional setting.
const (
	DefaultModuleDir      = "modules"
	DefaultIncludeDir     = "include"
	DefaultCC             = "cc"
	DefaultMake           = "make"
	DefaultKernelBuildDir = "/lib/modules/%s/build"
	DefaultLogLevel       = "info"
	DefaultStoreBackend   = "disk"
	DefaultStoreCache     = 8
)

// DefaultCFlags are passed to every user-space compilation.
var DefaultCFlags = []string{"-ggdb"}

// Config holds the parsed .orchestrator.yaml configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version        int           `yaml:"version"`
	RawModuleDir   string        `yaml:"module_dir"`
	RawIncludeDir  string        `yaml:"include_dir"`
	RawCC          string        `yaml:"cc"`
	RawCFlags      []string      `yaml:"cflags"`
	RawMake        string        `yaml:"make"`
	RawKernelBuild string        `yaml:"kernel_build_dir"` // %s is replaced by the kernel release
	CompileWrapper []string      `yaml:"compile_wrapper"`  // prefixed to compiler invocations, e.g. [bear, --append, --]
	CPU            int           `yaml:"cpu"`              // logical CPU the probe is pinned to
	Log            LogConfig     `yaml:"log"`
	Store          StoreConfig   `yaml:"store"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

// LogConfig controls the run logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects where run reports are kept.
type StoreConfig struct {
	Backend string `yaml:"backend"` // disk, sqlite or none
	Path    string `yaml:"path"`    // directory (disk) or database file (sqlite)
	Cache   int    `yaml:"cache"`   // in-memory LRU entries in front of the backend; negative disables
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	File string `yaml:"file"` // written after each run when set
}

// ModuleDir returns the directory holding module subdirectories.
func (c *Config) ModuleDir() string { return orDefault(c.RawModuleDir, DefaultModuleDir) }

// IncludeDir returns the directory holding shared headers and the
// per-target assembly helpers.
func (c *Config) IncludeDir() string { return orDefault(c.RawIncludeDir, DefaultIncludeDir) }

// CC returns the C compiler.
func (c *Config) CC() string { return orDefault(c.RawCC, DefaultCC) }

// Make returns the make binary used for kernel builds.
func (c *Config) Make() string { return orDefault(c.RawMake, DefaultMake) }

// CFlags returns the compiler flags for user-space builds.
func (c *Config) CFlags() []string {
	if len(c.RawCFlags) > 0 {
		return c.RawCFlags
	}
	return DefaultCFlags
}

// KernelBuildDir returns the kernel build tree for release.
func (c *Config) KernelBuildDir(release string) string {
	return fmt.Sprintf(orDefault(c.RawKernelBuild, DefaultKernelBuildDir), release)
}

// LogLevel returns the configured log level or the default.
func (c *Config) LogLevel() string { return orDefault(c.Log.Level, DefaultLogLevel) }

// StoreBackend returns the report backend name.
func (c *Config) StoreBackend() string { return orDefault(c.Store.Backend, DefaultStoreBackend) }

// StoreCache returns the number of reports cached in memory. Zero means
// the default and a negative value turns the cache off.
func (c *Config) StoreCache() int {
	switch {
	case c.Store.Cache < 0:
		return 0
	case c.Store.Cache == 0:
		return DefaultStoreCache
	}
	return c.Store.Cache
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.StoreBackend() {
	case "disk", "sqlite", "none":
	default:
		return fmt.Errorf("store.backend %q: want disk, sqlite or none", c.Store.Backend)
	}
	switch c.LogLevel() {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	if c.CPU < 0 {
		return fmt.Errorf("cpu %d: must not be negative", c.CPU)
	}
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// LoadResult holds the parsed config and the discovered project root.
type LoadResult struct {
	Config *Config
	Root   string // directory containing the config file; falls back to workspace
}

// Resolve joins a configured path onto the project root unless it is
// already absolute.
func (r *LoadResult) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.Root, path)
}

// Load reads .orchestrator.yaml. The file is discovered by walking upward
// from workspace; the directory it is found in becomes the project root.
// If no file exists, a default Config rooted at workspace is returned.
func Load(workspace string) (*LoadResult, error) {
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}

	root, err := findRoot(workspace)
	if err != nil {
		return &LoadResult{Config: &Config{}, Root: workspace}, nil
	}

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &LoadResult{Config: cfg, Root: root}, nil
}

// findRoot walks upward from dir looking for a directory containing the
// config file.
func findRoot(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
