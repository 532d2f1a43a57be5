// Package report persists the outcome of orchestration runs so they can
// be inspected after the process has exited. Results are stored as typed
// structs and looked up by run ID.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Load for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
}

// Lister is implemented by stores that can enumerate past runs, most
// recent first.
type Lister interface {
	List(limit int) ([]*RunResult, error)
}

// Outcome is the verdict of a run as seen by an operator.
type Outcome string

const (
	// Pass means the analyzer judged the result record successful.
	Pass Outcome = "pass"
	// Fail means a verdict was computed and it was negative.
	Fail Outcome = "fail"
	// Error means the run never reached a verdict.
	Error Outcome = "error"
)

// StageTiming records how long the transition into a stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// RunResult holds everything recorded about one orchestration run.
type RunResult struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Target string `json:"target"`
	Runner string `json:"runner"`
	CPU    int    `json:"cpu"`

	// Stage is the terminal stage: diagnosed or failed.
	Stage       string `json:"stage"`
	FailedStage string `json:"failed_stage,omitempty"`
	Passed      bool   `json:"passed"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Stages    []StageTiming `json:"stages,omitempty"`

	ResultSize uint64 `json:"result_size"`
	Result     []byte `json:"result,omitempty"`
}

// Outcome classifies the run.
func (r *RunResult) Outcome() Outcome {
	switch {
	case r.Error != "":
		return Error
	case r.Passed:
		return Pass
	default:
		return Fail
	}
}

// Summary renders a short human-readable report.
func (r *RunResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (%s, %s) %s in %s\n",
		r.ID, r.Module, r.Target, r.Runner, r.Outcome(), r.Duration.Round(time.Millisecond))
	for _, s := range r.Stages {
		fmt.Fprintf(&b, "  %-17s %s\n", s.Stage, s.Duration.Round(time.Microsecond))
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  failed in %s [%s]: %s\n", r.FailedStage, r.ErrorKind, r.Error)
	} else {
		fmt.Fprintf(&b, "  result record: %d bytes\n", r.ResultSize)
	}
	return b.String()
}
