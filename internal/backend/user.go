package backend

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/probe"
	"go.uber.org/zap"
)

// TesterEntry is the entry point every user-space test library exports:
// long tester_run(u32 cmd, struct run_function_request *req).
const TesterEntry = "tester_run"

type userBackend struct {
	env Env
}

func (b *userBackend) Kind() module.Kind { return module.User }

// Compile builds <module>.so from the module's sources and the target's
// assembly helper.
func (b *userBackend) Compile(ctx context.Context, d *module.Descriptor) error {
	tc := b.env.Toolchain
	sources := append(d.SourcePaths(), tc.AssemblyHelper(d.Target))
	return tc.SharedLibrary(ctx, d.SharedObject(), sources, selectors(d)...)
}

// Run loads <module>.so and calls tester_run in-process. The library pins
// the calling thread to the requested CPU, so the call is made from a
// locked OS thread.
func (b *userBackend) Run(ctx context.Context, d *module.Descriptor, x Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lib, err := b.env.Loader.Open(d.SharedObject())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := lib.Close(); cerr != nil {
			b.env.Logger.Warn("closing test library", zap.String("library", lib.Path()), zap.Error(cerr))
		}
	}()

	entry, err := lib.Lookup(TesterEntry)
	if err != nil {
		return err
	}

	req := probe.NewRequest(x.CPU, x.Result)
	status := call(entry.Call, req)
	if status != 0 {
		return fault.New(fault.Process, "run", d.SharedObject(), fmt.Errorf("%s returned %d", TesterEntry, status))
	}

	record(d, x, b.env.Logger)
	return nil
}

// call invokes tester_run from a locked thread so the affinity the probe
// sets does not leak onto goroutines scheduled later on the same thread.
func call(fn func(args ...uintptr) uintptr, req *probe.Request) int64 {
	done := make(chan int64)
	go func() {
		runtime.LockOSThread()
		// The thread is discarded when the goroutine exits still locked.
		r := fn(probe.CmdRunFunction, uintptr(unsafe.Pointer(req)))
		runtime.KeepAlive(req)
		done <- int64(r)
	}()
	return <-done
}
