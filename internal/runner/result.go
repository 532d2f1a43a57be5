package runner

import (
	"errors"
	"fmt"
	"os"

	"github.com/deixis/uarch/internal/fault"
)

var (
	// ErrEmptyCommand is returned when a handle with no arguments is run.
	// Nothing is spawned.
	ErrEmptyCommand = errors.New("empty command")
	// ErrHandleBusy is returned when a handle is started again before Reset.
	ErrHandleBusy = errors.New("command handle in use; reset it first")
	// ErrNotStarted is returned when waiting on a handle that is not running.
	ErrNotStarted = errors.New("command not started")
)

// SpawnError reports that the OS could not create the process.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawning %s: %v", e.Name, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a clean exit with a nonzero status.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
}

// SignalError reports termination by a signal.
type SignalError struct {
	Name   string
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s terminated by signal %v", e.Name, e.Signal)
}

// Classify maps a substrate error onto the failure taxonomy: spawn
// failures are resource faults, exit and signal outcomes are process faults.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		se *SpawnError
		ee *ExitError
		ge *SignalError
	)
	switch {
	case errors.As(err, &se):
		return fault.New(fault.Resource, op, "", err)
	case errors.As(err, &ee), errors.As(err, &ge):
		return fault.New(fault.Process, op, "", err)
	}
	return fault.New(fault.Unknown, op, "", err)
}
