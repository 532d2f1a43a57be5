// Package workflowtest builds on-disk module workspaces and in-memory
// stand-ins for the compiler, dynamic loader and kernel device so the
// orchestration engine can be driven end to end without a toolchain.
package workflowtest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/deixis/uarch/internal/config"
	"github.com/deixis/uarch/internal/kmod"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/plugin/plugintest"
	"github.com/deixis/uarch/internal/probe"
	"github.com/deixis/uarch/internal/workflow"
	"go.uber.org/zap"
)

// Exec records commands instead of running them. Commands succeed unless
// their program name is listed in Fail; Output serves Stdout by program
// name.
type Exec struct {
	mu     sync.Mutex
	calls  []string
	Fail   map[string]error
	Stdout map[string][]byte
}

// Run implements runner.Executor.
func (e *Exec) Run(_ context.Context, argv []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, strings.Join(argv, " "))
	return e.Fail[argv[0]]
}

// Output implements runner.Executor.
func (e *Exec) Output(ctx context.Context, argv []string) ([]byte, error) {
	err := e.Run(ctx, argv)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Stdout[argv[0]], err
}

// Calls returns every command line run so far.
func (e *Exec) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Count returns how many command lines start with prefix.
func (e *Exec) Count(prefix string) int {
	n := 0
	for _, c := range e.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Devices stands in for the kernel tester's character devices.
type Devices struct {
	mu      sync.Mutex
	OpenErr error
	// Ioctl plays the kernel module's part. Nil accepts the request
	// without touching the result record.
	Ioctl  func(req *probe.Request) error
	opened []string
}

// Open implements kmod.Opener.
func (d *Devices) Open(path string) (kmod.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.opened = append(d.opened, path)
	return device{d}, nil
}

// Opened returns the device paths opened so far.
func (d *Devices) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

type device struct{ d *Devices }

func (dev device) Ioctl(_ uintptr, arg unsafe.Pointer) error {
	if dev.d.Ioctl == nil {
		return nil
	}
	return dev.d.Ioctl((*probe.Request)(arg))
}

func (device) Close() error { return nil }

// Fixture is a workspace holding one module.
type Fixture struct {
	Root    string
	Module  string
	Dir     string
	Loaded  *config.LoadResult
	Exec    *Exec
	Loader  *plugintest.Loader
	Devices *Devices
}

// New lays out a workspace with module name: a descriptor naming one
// helper source and a test file, the analyzer source and the assembly
// helpers of every target.
func New(t testing.TB, name string) *Fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, config.DefaultModuleDir, name)
	include := filepath.Join(root, config.DefaultIncludeDir)
	for _, d := range []string{dir, include} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	write := func(path, content string) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(dir, module.ConfigFile), `{"sources": ["util.c"], "test_file": "probe", "depends_on": ["common"]}`)
	write(filepath.Join(dir, "util.c"), "")
	write(filepath.Join(dir, "probe.c"), "")
	write(filepath.Join(dir, name+"_analyze.c"), "")
	for _, target := range []module.Target{module.X86_64, module.RISCV32} {
		write(filepath.Join(include, target.Macro()+"_immintr.S"), "")
	}

	return &Fixture{
		Root:   root,
		Module: name,
		Dir:    dir,
		Loaded: &config.LoadResult{Config: &config.Config{}, Root: root},
		Exec: &Exec{
			Fail:   map[string]error{},
			Stdout: map[string][]byte{"uname": []byte("6.8.0-test\n")},
		},
		Loader:  plugintest.NewLoader(),
		Devices: &Devices{},
	}
}

// Path returns a path inside the module directory.
func (f *Fixture) Path(name string) string {
	return filepath.Join(f.Dir, name)
}

// Probe registers <module>.so exporting tester_run. The fake probe copies
// out into the result record and returns status.
func (f *Fixture) Probe(status uintptr, out []byte) {
	f.Loader.Add(f.Path(f.Module+".so"), map[string]plugintest.Func{
		"tester_run": func(args ...uintptr) uintptr {
			req := (*probe.Request)(unsafe.Pointer(args[1]))
			Fill(req, out)
			return status
		},
	})
}

// Analyzer registers <module>_analyze.so sizing the record at size bytes
// and judging it with verdict.
func (f *Fixture) Analyzer(size uint64, verdict func(record []byte) bool) {
	f.Loader.Add(f.Path(f.Module+"_analyze.so"), map[string]plugintest.Func{
		f.Module + "_result_size": func(...uintptr) uintptr { return uintptr(size) },
		f.Module + "_result_diagnostics": func(args ...uintptr) uintptr {
			var record []byte
			if size > 0 {
				record = unsafe.Slice((*byte)(unsafe.Pointer(args[0])), size)
			}
			if verdict(record) {
				return 1
			}
			return 0
		},
	})
}

// Fill copies out into the record req points at, as a probe would.
func Fill(req *probe.Request, out []byte) {
	if len(out) == 0 || req.Ret == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(req.Ret)), len(out)), out)
}

// Engine returns an engine wired to the fixture's fakes.
func (f *Fixture) Engine(logger *zap.Logger) *workflow.Engine {
	return &workflow.Engine{
		Config:  f.Loaded,
		Exec:    f.Exec,
		Loader:  f.Loader,
		Devices: f.Devices,
		Logger:  logger,
	}
}
