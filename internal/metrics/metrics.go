// Package metrics records orchestration runs as Prometheus metrics. The
// orchestrator is a one-shot process, so metrics are exported by writing
// a textfile for node_exporter rather than by serving /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the metrics of one orchestration run.
type Recorder struct {
	reg *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	ResultSize    *prometheus.GaugeVec
	Verdict       *prometheus.GaugeVec
	LastRun       *prometheus.GaugeVec
}

// New returns a Recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "runs_total",
			Help:      "Orchestration runs by module, runner and outcome",
		}, []string{"module", "runner", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Time spent reaching each stage",
			Buckets:   []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		ResultSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "result_size_bytes",
			Help:      "Size of the result record reported by the analyzer",
		}, []string{"module"}),
		Verdict: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "verdict",
			Help:      "1 if the last diagnosed run passed, 0 otherwise",
		}, []string{"module", "runner", "cpu"}),
		LastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a module finished",
		}, []string{"module"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// ObserveStage records the time taken to reach stage.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveResultSize records the analyzer-reported record size.
func (r *Recorder) ObserveResultSize(module string, size uint64) {
	r.ResultSize.WithLabelValues(module).Set(float64(size))
}

// ObserveRun records the end of a run. The verdict gauge is only set when
// a verdict was computed.
func (r *Recorder) ObserveRun(module, runner string, cpu int, outcome string, diagnosed, passed bool) {
	r.RunsTotal.WithLabelValues(module, runner, outcome).Inc()
	r.LastRun.WithLabelValues(module).SetToCurrentTime()
	if !diagnosed {
		return
	}
	v := 0.0
	if passed {
		v = 1
	}
	r.Verdict.WithLabelValues(module, runner, strconv.Itoa(cpu)).Set(v)
}

// WriteTextfile writes the registry in the text exposition format,
// atomically replacing path.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
