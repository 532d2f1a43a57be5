// Package toolchain invokes the C compiler and the kernel build system on
// behalf of the backends and the analyzer binding.
package toolchain

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/deixis/uarch/internal/config"
	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/rebuild"
	"github.com/deixis/uarch/internal/runner"
	"go.uber.org/zap"
)

// Toolchain builds module artifacts through an Executor.
type Toolchain struct {
	Exec    runner.Executor
	CC      string
	CFlags  []string
	Include string   // absolute include directory
	Wrapper []string // prefix for compiler and make invocations
	Make    string
	// BuildDir maps a kernel release to its build tree.
	BuildDir func(release string) string
	Logger   *zap.Logger
}

// New builds a Toolchain from configuration. Relative paths in cfg are
// resolved against root.
func New(exec runner.Executor, loaded *config.LoadResult, logger *zap.Logger) *Toolchain {
	cfg := loaded.Config
	return &Toolchain{
		Exec:     exec,
		CC:       cfg.CC(),
		CFlags:   cfg.CFlags(),
		Include:  loaded.Resolve(cfg.IncludeDir()),
		Wrapper:  cfg.CompileWrapper,
		Make:     cfg.Make(),
		BuildDir: cfg.KernelBuildDir,
		Logger:   logger,
	}
}

func (t *Toolchain) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// AssemblyHelper returns the target's low-level assembly helper source.
func (t *Toolchain) AssemblyHelper(target module.Target) string {
	return filepath.Join(t.Include, target.Macro()+"_immintr.S")
}

// AssemblyObject returns the object the kernel build produces from the
// assembly helper.
func (t *Toolchain) AssemblyObject(target module.Target) string {
	return filepath.Join(t.Include, target.Macro()+"_immintr.o")
}

// SharedLibrary compiles sources into the shared library out, unless out
// is newer than every source and every header it may include and was
// built with the same command line. Extra arguments (typically -D
// selectors) are appended after the sources.
func (t *Toolchain) SharedLibrary(ctx context.Context, out string, sources []string, extra ...string) error {
	argv := append([]string{}, t.Wrapper...)
	argv = append(argv, t.CC)
	argv = append(argv, t.CFlags...)
	argv = append(argv, "-fPIC", "-shared", "-I"+t.Include, "-o", out)
	argv = append(argv, sources...)
	argv = append(argv, extra...)
	line := strings.Join(argv, " ")

	stale, err := rebuild.CheckStamped(out, line, t.Inputs(filepath.Dir(out), sources)...)
	if err != nil {
		return err
	}
	if !stale {
		t.logger().Info("up to date", zap.String("artifact", out))
		return nil
	}

	if err := rebuild.Unstamp(out); err != nil {
		return err
	}
	if err := t.Exec.Run(ctx, argv); err != nil {
		return Failure("compile", out, err)
	}
	return rebuild.Stamp(out, line)
}

// Inputs returns sources followed by the headers a build in dir can pick
// up: dir's own *.h files and those of the include directory.
func (t *Toolchain) Inputs(dir string, sources []string) []string {
	inputs := append([]string{}, sources...)
	for _, d := range []string{dir, t.Include} {
		headers, _ := filepath.Glob(filepath.Join(d, "*.h"))
		inputs = append(inputs, headers...)
	}
	return inputs
}

// KernelRelease returns the running kernel's release, as printed by
// uname -r.
func (t *Toolchain) KernelRelease(ctx context.Context) (string, error) {
	out, err := t.Exec.Output(ctx, []string{"uname", "-r"})
	if err != nil {
		return "", Failure("query kernel release", "", err)
	}
	release := strings.TrimSpace(string(out))
	if release == "" {
		return "", fault.New(fault.Build, "query kernel release", "", errors.New("uname -r printed nothing"))
	}
	return release, nil
}

// KernelModule runs the kernel build system against the recipe in dir.
func (t *Toolchain) KernelModule(ctx context.Context, dir, release string) error {
	argv := append([]string{}, t.Wrapper...)
	argv = append(argv, t.Make, "-C", t.BuildDir(release), "M="+dir, "modules", "V=1")
	if err := t.Exec.Run(ctx, argv); err != nil {
		return Failure("build kernel module", dir, err)
	}
	return nil
}

// Failure classifies a failed build command: a spawn failure is a
// resource fault, any other outcome a build fault.
func Failure(op, path string, err error) error {
	var se *runner.SpawnError
	if errors.As(err, &se) {
		return fault.New(fault.Resource, op, path, err)
	}
	return fault.New(fault.Build, op, path, err)
}
