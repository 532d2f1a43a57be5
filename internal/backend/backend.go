// Package backend compiles and runs a module in the environment its
// runner kind selects: a shared library called in-process (user), a
// loadable kernel module driven through ioctl (kernel), or the not yet
// implemented simulation.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/kmod"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/plugin"
	"github.com/deixis/uarch/internal/probe"
	"github.com/deixis/uarch/internal/toolchain"
	"go.uber.org/zap"
)

// ErrNotImplemented is returned by every operation of a backend that
// exists only as a placeholder.
var ErrNotImplemented = errors.New("runner not implemented")

// Diagnoser judges a filled result record.
type Diagnoser interface {
	Diagnose(buf *probe.Buffer) bool
}

// Execution carries what a backend needs to run a compiled module.
type Execution struct {
	CPU      int           // logical CPU the probe is pinned to
	Result   *probe.Buffer // sized by the analyzer before the run
	Analyzer Diagnoser
}

// Backend is the compiler and runner pair for one runner kind.
type Backend interface {
	Kind() module.Kind
	// Compile turns d into a loadable artifact.
	Compile(ctx context.Context, d *module.Descriptor) error
	// Run executes the compiled probe, diagnoses its result record and
	// stores the verdict and record on d.
	Run(ctx context.Context, d *module.Descriptor, x Execution) error
}

// Env holds the collaborators shared by all backends.
type Env struct {
	Toolchain *toolchain.Toolchain
	Loader    plugin.Loader
	Session   *kmod.Session
	Logger    *zap.Logger
}

// Adding a runner kind breaks this line until New handles it.
var _ [0]struct{} = [module.NumKinds - 3]struct{}{}

// New returns the backend for kind.
func New(kind module.Kind, env Env) (Backend, error) {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	switch kind {
	case module.User:
		return &userBackend{env: env}, nil
	case module.Kernel:
		return &kernelBackend{env: env}, nil
	case module.Simulation:
		return simulationBackend{}, nil
	}
	return nil, fault.Configf("", "no backend for runner %v", kind)
}

// record diagnoses x.Result and stores the outcome on d.
func record(d *module.Descriptor, x Execution, logger *zap.Logger) {
	d.Result = x.Result
	d.Passed = x.Analyzer.Diagnose(x.Result)
	logger.Info("diagnosed",
		zap.String("module", d.Name),
		zap.Bool("passed", d.Passed))
}

func selectors(d *module.Descriptor) []string {
	return []string{"-D" + d.Target.Macro(), "-D" + d.Kind.Macro()}
}

type simulationBackend struct{}

func (simulationBackend) Kind() module.Kind { return module.Simulation }

func (simulationBackend) Compile(context.Context, *module.Descriptor) error {
	return notImplemented("compile")
}

func (simulationBackend) Run(context.Context, *module.Descriptor, Execution) error {
	return notImplemented("run")
}

func notImplemented(op string) error {
	return fault.New(fault.Config, fmt.Sprintf("%s %s", op, module.Simulation), "", ErrNotImplemented)
}
