// Package module models one side-channel experiment: its descriptor,
// the target and runner it is built for, and the on-disk naming
// conventions of its artifacts.
package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/probe"
)

// ConfigFile is the per-module descriptor document.
const ConfigFile = "module.json"

// NameHeader is generated into the module directory before compilation
// and defines TEST_NAME and TEST_NAME_STR for the module's sources.
const NameHeader = "test_name.h.out"

// Descriptor identifies one experiment. It is built from the module's
// descriptor document at the start of a run and updated in place by the
// backend once the probe has run.
type Descriptor struct {
	Name      string
	Dir       string   // directory holding the module's sources and artifacts
	TestFile  string   // entry file name without extension
	Sources   []string // relative to Dir; the entry file is appended last
	DependsOn []string // declared only; not processed
	Target    Target
	Kind      Kind

	// Set by the backend after execution.
	Passed bool
	Result *probe.Buffer
}

type document struct {
	TestFile  *string  `json:"test_file"`
	Sources   []string `json:"sources"`
	DependsOn []string `json:"depends_on"`
}

// Parse populates d's test file, sources and dependencies from a
// descriptor document. Unknown fields are ignored. A malformed document
// or a field of the wrong type fails the parse and leaves d unchanged.
// When a test file is named, <test_file>.c is appended to Sources.
func Parse(data []byte, d *Descriptor) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return fmt.Errorf("field %q: cannot use %s as %s", te.Field, te.Value, te.Type)
		}
		return err
	}

	if doc.TestFile != nil {
		d.TestFile = *doc.TestFile
	}
	d.Sources = append([]string{}, doc.Sources...)
	d.DependsOn = append([]string{}, doc.DependsOn...)
	if d.TestFile != "" {
		d.Sources = append(d.Sources, d.TestFile+".c")
	}
	return nil
}

// Load reads <moduleDir>/<name>/module.json into a new Descriptor.
func Load(moduleDir, name string, target Target, kind Kind) (*Descriptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, fault.New(fault.Config, "load module", name, err)
	}

	d := &Descriptor{
		Name:   name,
		Dir:    filepath.Join(moduleDir, name),
		Target: target,
		Kind:   kind,
	}
	path := filepath.Join(d.Dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.Config, "read descriptor", path, err)
	}
	if err := Parse(data, d); err != nil {
		return nil, fault.New(fault.Config, "parse descriptor", path, err)
	}
	return d, nil
}

// ValidateName rejects names that cannot be a single directory entry or a
// C identifier prefix.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("module name is empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("module name %q: invalid character %q", name, r)
		}
	}
	return nil
}

// SourcePaths returns Sources joined onto Dir.
func (d *Descriptor) SourcePaths() []string {
	out := make([]string, len(d.Sources))
	for i, s := range d.Sources {
		out[i] = filepath.Join(d.Dir, s)
	}
	return out
}

// SharedObject is the user-space test library.
func (d *Descriptor) SharedObject() string {
	return filepath.Join(d.Dir, d.Name+".so")
}

// AnalyzerSource is the analyzer's C source.
func (d *Descriptor) AnalyzerSource() string {
	return filepath.Join(d.Dir, d.Name+"_analyze.c")
}

// AnalyzerObject is the analyzer's shared library.
func (d *Descriptor) AnalyzerObject() string {
	return filepath.Join(d.Dir, d.Name+"_analyze.so")
}

// KernelObject is the loadable kernel module.
func (d *Descriptor) KernelObject() string {
	return filepath.Join(d.Dir, d.Name+".ko")
}

// DevicePath is the character device the kernel module registers.
func (d *Descriptor) DevicePath() string {
	return "/dev/tester_" + d.Name + "_device"
}

// ResultSizeSymbol is the analyzer entry reporting the result record size.
func (d *Descriptor) ResultSizeSymbol() string {
	return d.Name + "_result_size"
}

// DiagnoseSymbol is the analyzer entry judging a filled result record.
func (d *Descriptor) DiagnoseSymbol() string {
	return d.Name + "_result_diagnostics"
}

const nameHeaderTemplate = `#ifndef _TEST_NAME
#define _TEST_NAME
#define TEST_NAME %s
#define TEST_NAME_STR "%s"
#endif // _TEST_NAME
`

// WriteNameHeader (re)writes the module's name header.
func (d *Descriptor) WriteNameHeader() error {
	path := filepath.Join(d.Dir, NameHeader)
	if err := os.WriteFile(path, fmt.Appendf(nil, nameHeaderTemplate, d.Name, d.Name), 0o644); err != nil {
		return fault.New(fault.Resource, "write header", path, err)
	}
	return nil
}

// List returns the names of the modules under moduleDir, sorted. A module
// is a directory holding a descriptor document.
func List(moduleDir string) ([]string, error) {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		return nil, fault.New(fault.Config, "list modules", moduleDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		_, err := os.Stat(filepath.Join(moduleDir, e.Name(), ConfigFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
