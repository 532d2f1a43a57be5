package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/deixis/uarch/internal/backend"
	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/metrics"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/plugin"
	"github.com/deixis/uarch/internal/probe"
	"github.com/deixis/uarch/internal/report"
	"github.com/deixis/uarch/internal/runner"
	"github.com/deixis/uarch/internal/workflow"
	"github.com/deixis/uarch/internal/workflow/workflowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func stageNames(r *report.RunResult) []string {
	var out []string
	for _, s := range r.Stages {
		out = append(out, s.Stage)
	}
	return out
}

func TestRun_UserPass(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Probe(0, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	f.Analyzer(4, func(rec []byte) bool { return rec[0] == 0xaa && rec[3] == 0xdd })

	core, logs := observer.New(zap.InfoLevel)
	e := f.Engine(zap.New(core))
	e.Store = report.NewDiskStore(filepath.Join(f.Root, "runs"))
	e.Metrics = metrics.New()

	res, err := e.Run(context.Background(), workflow.Request{
		Module: "cache", Target: module.X86_64, Kind: module.User, CPU: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.Diagnosed, res.Stage)
	assert.True(t, res.Passed)
	assert.True(t, res.Descriptor.Passed)
	assert.Nil(t, res.Descriptor.Result, "result record is released at the end of the run")
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, res.Record)

	// Probe compiled before the analyzer, both through the compiler.
	calls := f.Exec.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "-o "+f.Path("cache.so"))
	assert.Contains(t, calls[0], f.Path("probe.c"))
	assert.Contains(t, calls[0], "-DTARGET_X86_64 -DRUNNER_USER")
	assert.Contains(t, calls[1], "-o "+f.Path("cache_analyze.so"))

	header, err := os.ReadFile(f.Path(module.NameHeader))
	require.NoError(t, err)
	assert.Contains(t, string(header), `#define TEST_NAME_STR "cache"`)

	assert.Equal(t, 1, f.Loader.Closed(f.Path("cache.so")))
	assert.Equal(t, 1, f.Loader.Closed(f.Path("cache_analyze.so")))

	saved, err := e.Store.Load(res.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Pass, saved.Outcome())
	assert.Equal(t, 3, saved.CPU)
	assert.EqualValues(t, 4, saved.ResultSize)
	assert.Equal(t, []string{
		"descriptor-loaded", "test-compiled", "analyzer-bound",
		"result-allocated", "executed", "diagnosed",
	}, stageNames(saved))

	assert.Equal(t, 6, logs.FilterMessage("stage reached").Len())
	assert.Equal(t, 1, logs.FilterMessage("run finished").Len())
}

func TestRun_UserVerdictFail(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Probe(0, []byte{1})
	f.Analyzer(1, func(rec []byte) bool { return rec[0] == 0 })

	res, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.User})
	require.NoError(t, err, "a negative verdict is still a completed run")
	assert.Equal(t, workflow.Diagnosed, res.Stage)
	assert.False(t, res.Passed)
	assert.Equal(t, report.Fail, res.Report.Outcome())
}

func TestRun_ZeroSizedRecord(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Probe(0, nil)
	f.Analyzer(0, func(rec []byte) bool { return len(rec) == 0 })

	res, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.User})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Record)
}

func TestRun_UnknownModule(t *testing.T) {
	f := workflowtest.New(t, "cache")

	res, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "nosuch", Kind: module.User})
	var se *workflow.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, workflow.DescriptorLoaded, se.Stage)
	assert.True(t, fault.Is(err, fault.Config))
	assert.Equal(t, workflow.Failed, res.Stage)
	assert.Empty(t, f.Exec.Calls())
}

func TestRun_CompileFailure(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Exec.Fail["cc"] = &runner.ExitError{Name: "cc", Code: 1}
	store := report.NewDiskStore(t.TempDir())
	e := f.Engine(nil)
	e.Store = store

	res, err := e.Run(context.Background(), workflow.Request{Module: "cache", Kind: module.User})
	var se *workflow.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, workflow.TestCompiled, se.Stage)
	assert.True(t, fault.Is(err, fault.Build))
	assert.Len(t, f.Exec.Calls(), 1, "analyzer is not built after the test failed to compile")

	saved, err := store.Load(res.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", saved.Stage)
	assert.Equal(t, "test-compiled", saved.FailedStage)
	assert.Equal(t, "build", saved.ErrorKind)
	assert.Equal(t, report.Error, saved.Outcome())
}

func TestRun_AnalyzerMissingSymbol(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Probe(0, nil)
	f.Loader.Add(f.Path("cache_analyze.so"), nil)

	_, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.User})
	var se *workflow.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, workflow.AnalyzerBound, se.Stage)

	var sym *plugin.SymbolError
	require.ErrorAs(t, err, &sym)
	assert.Equal(t, "cache_result_size", sym.Symbol)
	assert.Zero(t, f.Loader.Opened(f.Path("cache.so")), "probe never runs without an analyzer")
}

func TestRun_ProbeFailureReleasesAnalyzer(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Probe(1, nil)
	f.Analyzer(8, func([]byte) bool { return true })

	res, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.User})
	var se *workflow.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, workflow.Executed, se.Stage)
	assert.True(t, fault.Is(err, fault.Process))
	assert.False(t, res.Passed)
	assert.Equal(t, 1, f.Loader.Closed(f.Path("cache_analyze.so")))
}

func TestRun_KernelPass(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Analyzer(2, func(rec []byte) bool { return rec[1] == 7 })
	f.Devices.Ioctl = func(req *probe.Request) error {
		workflowtest.Fill(req, []byte{byte(req.CPU), 7})
		return nil
	}

	res, err := f.Engine(nil).Run(context.Background(), workflow.Request{
		Module: "cache", Target: module.X86_64, Kind: module.Kernel, CPU: 5,
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, []byte{5, 7}, res.Record)

	ko := f.Path("cache.ko")
	assert.Equal(t, 1, f.Exec.Count("make -C /lib/modules/6.8.0-test/build M="+f.Dir))
	assert.Equal(t, 1, f.Exec.Count("insmod "+ko))
	assert.Equal(t, 1, f.Exec.Count("rmmod "+ko))
	assert.Equal(t, []string{"/dev/tester_cache_device"}, f.Devices.Opened())

	recipe, err := os.ReadFile(f.Path(backend.Recipe))
	require.NoError(t, err)
	assert.Contains(t, string(recipe), "cache-objs := util.o probe.o ../../include/TARGET_X86_64_immintr.o")
}

// A kernel module that never got installed leaves no device node behind:
// the run fails, and the module is still removed exactly once.
func TestRun_KernelDeviceMissing(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Analyzer(2, func([]byte) bool { return true })
	f.Exec.Fail["insmod"] = errors.New("insmod: ERROR: could not load module cache.ko: No such file or directory")
	f.Devices.OpenErr = os.ErrNotExist

	res, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.Kernel})
	require.Error(t, err)
	assert.Equal(t, workflow.Failed, res.Stage)
	assert.True(t, fault.Is(err, fault.Resource))
	assert.Equal(t, 1, f.Exec.Count("rmmod "+f.Path("cache.ko")))
	assert.Equal(t, 1, f.Loader.Closed(f.Path("cache_analyze.so")))
}

func TestRun_KernelOpenFails(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Analyzer(2, func([]byte) bool { return true })
	f.Devices.OpenErr = os.ErrNotExist

	_, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.Kernel})
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "/dev/tester_cache_device")
	assert.Equal(t, 1, f.Exec.Count("insmod"))
	assert.Equal(t, 1, f.Exec.Count("rmmod"))
}

func TestRun_Simulation(t *testing.T) {
	f := workflowtest.New(t, "cache")

	_, err := f.Engine(nil).Run(context.Background(), workflow.Request{Module: "cache", Kind: module.Simulation})
	var se *workflow.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, workflow.TestCompiled, se.Stage)
	assert.ErrorIs(t, err, backend.ErrNotImplemented)
	assert.Empty(t, f.Exec.Calls())
}

func TestRun_Cancelled(t *testing.T) {
	f := workflowtest.New(t, "cache")
	f.Probe(0, nil)
	f.Analyzer(1, func([]byte) bool { return true })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Engine(nil).Run(ctx, workflow.Request{Module: "cache", Kind: module.User})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.Loader.Opened(f.Path("cache.so")))
}

func TestOpenStore(t *testing.T) {
	f := workflowtest.New(t, "cache")

	f.Loaded.Config.Store.Backend = "none"
	s, c, err := workflow.OpenStore(f.Loaded)
	require.NoError(t, err)
	assert.Nil(t, s)
	require.NoError(t, c.Close())

	f.Loaded.Config.Store.Backend = "sqlite"
	s, c, err = workflow.OpenStore(f.Loaded)
	require.NoError(t, err)
	assert.IsType(t, &report.LRUStore{}, s)
	require.NoError(t, c.Close())
	assert.FileExists(t, filepath.Join(f.Root, workflow.DefaultSQLiteStore))

	f.Loaded.Config.Store.Cache = -1
	s, c, err = workflow.OpenStore(f.Loaded)
	require.NoError(t, err)
	assert.IsType(t, &report.SQLiteStore{}, s)
	require.NoError(t, c.Close())
	f.Loaded.Config.Store.Cache = 0

	f.Loaded.Config.Store.Backend = ""
	f.Loaded.Config.Store.Path = "reports"
	s, _, err = workflow.OpenStore(f.Loaded)
	require.NoError(t, err)
	require.NoError(t, s.Save(&report.RunResult{ID: "x"}))
	assert.FileExists(t, filepath.Join(f.Root, "reports", "x.json"))
}
