// Package runner is the process substrate: it spawns subprocesses with
// optional pipe redirection of the standard streams, waits for them and
// classifies how they terminated.
package runner

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Executor runs external commands to completion. Implemented by *Runner;
// tests substitute fakes.
type Executor interface {
	// Run executes argv with inherited standard streams.
	Run(ctx context.Context, argv []string) error
	// Output executes argv and returns everything it wrote to stdout.
	Output(ctx context.Context, argv []string) ([]byte, error)
}

// Runner executes commands one at a time from a fixed directory.
// There is no timeout: a hung child blocks the caller. The context is
// only consulted before spawning.
type Runner struct {
	Dir    string
	Env    []string
	Logger *zap.Logger
}

var _ Executor = (*Runner)(nil)

// Run executes argv synchronously with inherited streams.
func (r *Runner) Run(ctx context.Context, argv []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := r.command(argv)
	return c.RunReset(Redirects{})
}

// Output executes argv with stdout redirected through a pipe, drains the
// pipe and then waits for the child.
func (r *Runner) Output(ctx context.Context, argv []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := r.command(argv)
	if err := c.Start(Redirects{Stdout: Stream{Mode: NewReadPipe}}); err != nil {
		return nil, err
	}
	out, readErr := io.ReadAll(c.Stdout)
	if err := c.WaitReset(); err != nil {
		return out, err
	}
	if readErr != nil {
		return out, fmt.Errorf("reading %s output: %w", argv[0], readErr)
	}
	return out, nil
}

func (r *Runner) command(argv []string) *Cmd {
	c := Command(r.Logger, argv...)
	c.Dir = r.Dir
	c.Env = r.Env
	return c
}
