// Package workflow drives one module through the orchestration state
// machine: load its descriptor, compile the probe, bind the analyzer,
// allocate the result record, execute and diagnose. It is consumed by
// both the CLI and the MCP server.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deixis/uarch/internal/analyzer"
	"github.com/deixis/uarch/internal/backend"
	"github.com/deixis/uarch/internal/config"
	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/kmod"
	"github.com/deixis/uarch/internal/metrics"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/plugin"
	"github.com/deixis/uarch/internal/probe"
	"github.com/deixis/uarch/internal/report"
	"github.com/deixis/uarch/internal/runner"
	"github.com/deixis/uarch/internal/toolchain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage is a state of the orchestration state machine.
type Stage string

const (
	DescriptorLoaded Stage = "descriptor-loaded"
	TestCompiled     Stage = "test-compiled"
	AnalyzerBound    Stage = "analyzer-bound"
	ResultAllocated  Stage = "result-allocated"
	Executed         Stage = "executed"
	Diagnosed        Stage = "diagnosed"
	Failed           Stage = "failed"
)

// Stages lists the stages of a successful run in the order they are
// reached.
var Stages = []Stage{DescriptorLoaded, TestCompiled, AnalyzerBound, ResultAllocated, Executed, Diagnosed}

// StageError reports the transition a run failed in.
type StageError struct {
	Stage Stage // the stage that could not be reached
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Engine holds the collaborators shared by every run.
type Engine struct {
	Config  *config.LoadResult
	Exec    runner.Executor
	Loader  plugin.Loader
	Devices kmod.Opener
	Logger  *zap.Logger

	// Optional.
	Store   report.Store
	Metrics *metrics.Recorder

	// Now defaults to time.Now.
	Now func() time.Time
}

// Request names the module to run and where.
type Request struct {
	Module string
	Target module.Target
	Kind   module.Kind
	CPU    int
}

// Result is the outcome of a run. It is returned alongside the error of
// a failed run.
type Result struct {
	ID         string
	Stage      Stage // Diagnosed or Failed
	Passed     bool
	Descriptor *module.Descriptor
	Record     []byte // copy of the result record, taken before it was freed
	Report     *report.RunResult
}

// Run executes req through the state machine. There is no retry: the
// first failure moves the run to Failed and is returned as a
// *StageError. The result record is freed and the analyzer unloaded on
// every path.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	r := &run{
		engine: e,
		req:    req,
		id:     uuid.New().String(),
	}
	r.logger = e.logger().With(zap.String("run", r.id), zap.String("module", req.Module))
	r.started = e.now()
	r.last = r.started

	err := r.execute(ctx)
	return r.finish(err), err
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

type run struct {
	engine *Engine
	req    Request
	id     string
	logger *zap.Logger

	started time.Time
	last    time.Time
	stages  []report.StageTiming

	desc   *module.Descriptor
	size   uint64
	record []byte
}

// advance records that stage was reached.
func (r *run) advance(stage Stage) {
	now := r.engine.now()
	d := now.Sub(r.last)
	r.last = now
	r.stages = append(r.stages, report.StageTiming{Stage: string(stage), Duration: d})
	if m := r.engine.Metrics; m != nil {
		m.ObserveStage(string(stage), d)
	}
	r.logger.Info("stage reached", zap.String("stage", string(stage)), zap.Duration("took", d))
}

func (r *run) fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

func (r *run) execute(ctx context.Context) error {
	e := r.engine
	cfg := e.Config

	tc := toolchain.New(e.Exec, cfg, r.logger)
	b, err := backend.New(r.req.Kind, backend.Env{
		Toolchain: tc,
		Loader:    e.Loader,
		Session:   &kmod.Session{Exec: e.Exec, Devices: e.Devices, Logger: r.logger},
		Logger:    r.logger,
	})
	if err != nil {
		return r.fail(DescriptorLoaded, err)
	}

	d, err := module.Load(cfg.Resolve(cfg.Config.ModuleDir()), r.req.Module, r.req.Target, r.req.Kind)
	if err != nil {
		return r.fail(DescriptorLoaded, err)
	}
	if err := d.WriteNameHeader(); err != nil {
		return r.fail(DescriptorLoaded, err)
	}
	r.desc = d
	if len(d.DependsOn) > 0 {
		r.logger.Debug("dependencies declared but not processed", zap.Strings("depends_on", d.DependsOn))
	}
	r.advance(DescriptorLoaded)

	if err := b.Compile(ctx, d); err != nil {
		return r.fail(TestCompiled, err)
	}
	r.advance(TestCompiled)

	an, err := analyzer.Bind(ctx, tc, e.Loader, d, r.logger)
	if err != nil {
		return r.fail(AnalyzerBound, err)
	}
	defer func() {
		if cerr := an.Close(); cerr != nil {
			r.logger.Warn("closing analyzer", zap.Error(cerr))
		}
	}()
	r.advance(AnalyzerBound)

	r.size = an.ResultSize()
	buf, err := probe.Alloc(r.size)
	if err != nil {
		return r.fail(ResultAllocated, fault.New(fault.Resource, "allocate result record", d.Name, err))
	}
	defer func() {
		d.Result = nil
		if ferr := buf.Free(); ferr != nil {
			r.logger.Warn("freeing result record", zap.Error(ferr))
		}
	}()
	if m := e.Metrics; m != nil {
		m.ObserveResultSize(d.Name, r.size)
	}
	r.advance(ResultAllocated)

	// The backend diagnoses as soon as the probe returns; the call into
	// the analyzer marks the end of execution.
	executed := false
	err = b.Run(ctx, d, backend.Execution{
		CPU:    r.req.CPU,
		Result: buf,
		Analyzer: diagnoseFunc(func(buf *probe.Buffer) bool {
			executed = true
			r.advance(Executed)
			return an.Diagnose(buf)
		}),
	})
	if err != nil {
		return r.fail(Executed, err)
	}
	if !executed {
		return r.fail(Executed, errors.New("backend returned without diagnosing the result record"))
	}
	r.record = buf.Snapshot()
	r.advance(Diagnosed)
	return nil
}

type diagnoseFunc func(*probe.Buffer) bool

func (f diagnoseFunc) Diagnose(buf *probe.Buffer) bool { return f(buf) }

// finish builds the run's result, persists its report and records
// metrics.
func (r *run) finish(err error) *Result {
	e := r.engine
	res := &Result{
		ID:         r.id,
		Stage:      Diagnosed,
		Descriptor: r.desc,
		Record:     r.record,
	}
	if r.desc != nil && err == nil {
		res.Passed = r.desc.Passed
	}

	rr := &report.RunResult{
		ID:         r.id,
		Module:     r.req.Module,
		Target:     r.req.Target.String(),
		Runner:     r.req.Kind.String(),
		CPU:        r.req.CPU,
		Stage:      string(Diagnosed),
		Passed:     res.Passed,
		StartedAt:  r.started,
		Duration:   e.now().Sub(r.started),
		Stages:     r.stages,
		ResultSize: r.size,
		Result:     r.record,
	}
	if err != nil {
		res.Stage = Failed
		rr.Stage = string(Failed)
		rr.Error = err.Error()
		rr.ErrorKind = string(fault.KindOf(err))
		var se *StageError
		if errors.As(err, &se) {
			rr.FailedStage = string(se.Stage)
		}
		r.logger.Error("run failed",
			zap.String("stage", rr.FailedStage),
			zap.String("kind", rr.ErrorKind),
			zap.Error(err))
	} else {
		r.logger.Info("run finished", zap.Bool("passed", res.Passed), zap.Duration("took", rr.Duration))
	}
	res.Report = rr

	if e.Store != nil {
		if serr := e.Store.Save(rr); serr != nil {
			r.logger.Warn("saving run report", zap.Error(serr))
		}
	}
	if m := e.Metrics; m != nil {
		m.ObserveRun(rr.Module, rr.Runner, rr.CPU, string(rr.Outcome()), err == nil, res.Passed)
	}
	return res
}
