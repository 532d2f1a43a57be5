// Package analyzer binds a module's analysis library: it builds
// <module>_analyze.so, loads it and resolves the two entry points that
// size and judge the module's result record.
package analyzer

import (
	"context"
	"runtime"

	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/plugin"
	"github.com/deixis/uarch/internal/probe"
	"go.uber.org/zap"
)

// Compiler builds user-space shared libraries.
type Compiler interface {
	SharedLibrary(ctx context.Context, out string, sources []string, extra ...string) error
}

// Binding holds the loaded analyzer for the duration of one run.
type Binding struct {
	lib      plugin.Library
	size     plugin.Symbol
	diagnose plugin.Symbol
}

// Compile builds the analyzer library for d and returns its path. The
// analyzer is always a user-space library whatever d's runner kind.
func Compile(ctx context.Context, cc Compiler, d *module.Descriptor) (string, error) {
	out := d.AnalyzerObject()
	if err := cc.SharedLibrary(ctx, out, []string{d.AnalyzerSource()}); err != nil {
		return "", err
	}
	return out, nil
}

// Load opens the analyzer library at path and resolves
// <module>_result_size and <module>_result_diagnostics.
func Load(loader plugin.Loader, path string, d *module.Descriptor) (*Binding, error) {
	lib, err := loader.Open(path)
	if err != nil {
		return nil, err
	}
	size, err := lib.Lookup(d.ResultSizeSymbol())
	if err != nil {
		_ = lib.Close()
		return nil, err
	}
	diagnose, err := lib.Lookup(d.DiagnoseSymbol())
	if err != nil {
		_ = lib.Close()
		return nil, err
	}
	return &Binding{lib: lib, size: size, diagnose: diagnose}, nil
}

// Bind compiles and loads the analyzer for d.
func Bind(ctx context.Context, cc Compiler, loader plugin.Loader, d *module.Descriptor, logger *zap.Logger) (*Binding, error) {
	path, err := Compile(ctx, cc, d)
	if err != nil {
		return nil, err
	}
	b, err := Load(loader, path, d)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("analyzer bound", zap.String("library", path), zap.Uint64("result_size", b.ResultSize()))
	}
	return b, nil
}

// ResultSize returns the byte size of the module's result record.
func (b *Binding) ResultSize() uint64 {
	return uint64(b.size.Call())
}

// Diagnose judges a filled result record. The analyzer returns a C bool,
// so only the low byte of the return register is significant.
func (b *Binding) Diagnose(buf *probe.Buffer) bool {
	r := b.diagnose.Call(buf.Ptr())
	runtime.KeepAlive(buf)
	return r&0xff != 0
}

// Close unloads the analyzer. It must only be called once the run is over.
func (b *Binding) Close() error {
	return b.lib.Close()
}
