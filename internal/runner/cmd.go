package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Redirect selects what a child's standard stream is connected to.
type Redirect int

const (
	// Inherit shares the orchestrator's own stream.
	Inherit Redirect = iota
	// UseFile connects the stream to a caller-supplied file.
	UseFile
	// NewWritePipe creates a pipe the parent writes and the child reads.
	NewWritePipe
	// NewReadPipe creates a pipe the child writes and the parent reads.
	NewReadPipe
)

func (r Redirect) String() string {
	switch r {
	case Inherit:
		return "inherit"
	case UseFile:
		return "file"
	case NewWritePipe:
		return "write-pipe"
	case NewReadPipe:
		return "read-pipe"
	}
	return fmt.Sprintf("Redirect(%d)", int(r))
}

// Stream configures one standard stream. File is only read for UseFile
// and is never closed by the handle.
type Stream struct {
	Mode Redirect
	File *os.File
}

// Redirects configures the three standard streams of a child.
// The zero value inherits all three.
type Redirects struct {
	Stdin, Stdout, Stderr Stream
}

type state int

const (
	unused state = iota
	running
	exited
)

// Cmd is a reusable process handle. A handle moves from unused to running
// on Start, to exited on Wait, and back to unused on Reset. Starting a
// handle that was not reset is an error.
//
// After Start, Stdin, Stdout and Stderr hold the parent's end of any pipe
// that was requested for the matching stream. The handle owns these ends
// and closes them on Reset.
type Cmd struct {
	Args   []string
	Dir    string
	Env    []string // nil inherits the orchestrator's environment
	Logger *zap.Logger

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	state   state
	process *os.Process
}

// Command returns an unused handle for argv.
func Command(logger *zap.Logger, argv ...string) *Cmd {
	return &Cmd{Args: argv, Logger: logger}
}

// Append adds arguments to the handle's argument vector.
func (c *Cmd) Append(args ...string) {
	c.Args = append(c.Args, args...)
}

// Render formats the argument vector for logs. Arguments containing a
// space are single-quoted.
func (c *Cmd) Render() string {
	var b strings.Builder
	for i, a := range c.Args {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.ContainsRune(a, ' ') {
			b.WriteByte('\'')
			b.WriteString(a)
			b.WriteByte('\'')
			continue
		}
		b.WriteString(a)
	}
	return b.String()
}

// Pid returns the child's process id, or 0 if nothing has been spawned.
func (c *Cmd) Pid() int {
	if c.process == nil {
		return 0
	}
	return c.process.Pid
}

// Start spawns the command without waiting for it. Pipes are created
// before the spawn; the child's ends are closed in the parent once the
// child holds them.
func (c *Cmd) Start(r Redirects) error {
	if len(c.Args) == 0 {
		return ErrEmptyCommand
	}
	if c.state != unused {
		return ErrHandleBusy
	}

	// A relative path with a separator names a file under Dir, as the
	// child will see it.
	name := c.Args[0]
	if c.Dir != "" && strings.ContainsRune(name, filepath.Separator) && !filepath.IsAbs(name) {
		name = filepath.Join(c.Dir, name)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		c.logger().Error("spawn failed", zap.String("cmd", c.Render()), zap.Error(err))
		return &SpawnError{Name: c.Args[0], Err: err}
	}

	var (
		child  [3]*os.File
		parent [3]*os.File
		opened []*os.File // child ends created here
	)
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		for _, f := range parent {
			if f != nil {
				_ = f.Close()
			}
		}
	}

	defaults := [3]*os.File{os.Stdin, os.Stdout, os.Stderr}
	for i, s := range [3]Stream{r.Stdin, r.Stdout, r.Stderr} {
		switch s.Mode {
		case Inherit:
			child[i] = defaults[i]
		case UseFile:
			if s.File == nil {
				closeAll()
				return fmt.Errorf("redirecting fd %d: no file given", i)
			}
			child[i] = s.File
		case NewWritePipe, NewReadPipe:
			pr, pw, err := os.Pipe()
			if err != nil {
				closeAll()
				return &SpawnError{Name: c.Args[0], Err: fmt.Errorf("creating pipe for fd %d: %w", i, err)}
			}
			if s.Mode == NewWritePipe {
				child[i], parent[i] = pr, pw
			} else {
				child[i], parent[i] = pw, pr
			}
			opened = append(opened, child[i])
		default:
			closeAll()
			return fmt.Errorf("redirecting fd %d: unknown mode %v", i, s.Mode)
		}
	}

	c.logger().Info("CMD", zap.String("cmd", c.Render()))

	p, err := os.StartProcess(path, c.Args, &os.ProcAttr{
		Dir:   c.Dir,
		Env:   c.Env,
		Files: child[:],
	})
	for _, f := range opened {
		_ = f.Close()
	}
	if err != nil {
		for _, f := range parent {
			if f != nil {
				_ = f.Close()
			}
		}
		c.logger().Error("spawn failed", zap.String("cmd", c.Render()), zap.Error(err))
		return &SpawnError{Name: c.Args[0], Err: err}
	}

	c.process = p
	c.state = running
	c.Stdin, c.Stdout, c.Stderr = parent[0], parent[1], parent[2]
	return nil
}

// Wait blocks until the child terminates and classifies the outcome:
// nil for exit status 0, *ExitError for a nonzero status and *SignalError
// for termination by signal. Failures are logged.
func (c *Cmd) Wait() error {
	if c.state != running {
		return ErrNotStarted
	}
	ps, err := c.process.Wait()
	c.state = exited
	if err != nil {
		c.logger().Error("wait failed", zap.Int("pid", c.process.Pid), zap.Error(err))
		return fmt.Errorf("waiting for %s: %w", c.Args[0], err)
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		c.logger().Error("command terminated by signal",
			zap.String("cmd", c.Args[0]),
			zap.Int("pid", c.process.Pid),
			zap.Stringer("signal", ws.Signal()))
		return &SignalError{Name: c.Args[0], Signal: ws.Signal()}
	}
	if code := ps.ExitCode(); code != 0 {
		c.logger().Error("command exited with non-zero status",
			zap.String("cmd", c.Args[0]),
			zap.Int("pid", c.process.Pid),
			zap.Int("status", code))
		return &ExitError{Name: c.Args[0], Code: code}
	}
	return nil
}

// Run starts the command and waits for it.
func (c *Cmd) Run(r Redirects) error {
	if err := c.Start(r); err != nil {
		return err
	}
	return c.Wait()
}

// RunReset runs the command and resets the handle whatever the outcome.
func (c *Cmd) RunReset(r Redirects) error {
	defer c.Reset()
	return c.Run(r)
}

// WaitReset waits for the command and resets the handle.
func (c *Cmd) WaitReset() error {
	defer c.Reset()
	return c.Wait()
}

// CloseStdin closes the parent's write end of a stdin pipe so the child
// sees end of file.
func (c *Cmd) CloseStdin() error {
	if c.Stdin == nil {
		return nil
	}
	err := c.Stdin.Close()
	c.Stdin = nil
	return err
}

// Reset clears the argument vector and closes the parent pipe ends the
// handle still owns. It is safe to call repeatedly.
func (c *Cmd) Reset() {
	for _, f := range []**os.File{&c.Stdin, &c.Stdout, &c.Stderr} {
		if *f != nil {
			_ = (*f).Close()
			*f = nil
		}
	}
	if c.state == running && c.process != nil {
		c.logger().Warn("resetting a running command", zap.Int("pid", c.process.Pid))
		_ = c.process.Release()
	}
	c.Args = c.Args[:0]
	c.process = nil
	c.state = unused
}

func (c *Cmd) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
