package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/deixis/uarch/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCmd_EmptyNeverSpawns(t *testing.T) {
	c := Command(nil)
	err := c.Run(Redirects{})
	require.ErrorIs(t, err, ErrEmptyCommand)
	assert.Zero(t, c.Pid())
}

func TestCmd_Success(t *testing.T) {
	c := Command(nil, "true")
	require.NoError(t, c.Run(Redirects{}))
	assert.NotZero(t, c.Pid())
	c.Reset()
	assert.Zero(t, c.Pid())
	assert.Empty(t, c.Args)
}

func TestCmd_NonZeroExit(t *testing.T) {
	c := Command(nil, "sh", "-c", "exit 3")
	defer c.Reset()

	err := c.Run(Redirects{})
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)

	var se *SignalError
	assert.False(t, errors.As(err, &se))
}

func TestCmd_KilledBySignal(t *testing.T) {
	c := Command(nil, "sh", "-c", "kill -9 $$")
	defer c.Reset()

	err := c.Run(Redirects{})
	var se *SignalError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syscall.SIGKILL, se.Signal)

	var ee *ExitError
	assert.False(t, errors.As(err, &ee))
}

func TestCmd_SpawnFailure(t *testing.T) {
	c := Command(nil, "nonexistent-binary-xyz-123")
	defer c.Reset()

	err := c.Start(Redirects{Stdout: Stream{Mode: NewReadPipe}})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "nonexistent-binary-xyz-123")
	assert.Zero(t, c.Pid())
	assert.Nil(t, c.Stdout)
}

func TestCmd_ReadPipeYieldsExactBytes(t *testing.T) {
	c := Command(nil, "printf", `a b\n\ttail`)
	defer c.Reset()

	require.NoError(t, c.Start(Redirects{Stdout: Stream{Mode: NewReadPipe}}))
	require.NotNil(t, c.Stdout)
	got, err := io.ReadAll(c.Stdout)
	require.NoError(t, err)
	require.NoError(t, c.Wait())
	assert.Equal(t, []byte("a b\n\ttail"), got)
}

func TestCmd_WritePipeFeedsChild(t *testing.T) {
	c := Command(nil, "cat")
	defer c.Reset()

	require.NoError(t, c.Start(Redirects{
		Stdin:  Stream{Mode: NewWritePipe},
		Stdout: Stream{Mode: NewReadPipe},
	}))
	_, err := io.WriteString(c.Stdin, "through the pipe")
	require.NoError(t, err)
	require.NoError(t, c.CloseStdin())

	got, err := io.ReadAll(c.Stdout)
	require.NoError(t, err)
	require.NoError(t, c.Wait())
	assert.Equal(t, "through the pipe", string(got))
}

func TestCmd_UseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	c := Command(nil, "echo", "to file")
	require.NoError(t, c.RunReset(Redirects{Stdout: Stream{Mode: UseFile, File: f}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(data))

	// The caller's file stays open.
	_, err = f.WriteString("more")
	assert.NoError(t, err)
}

func TestCmd_UseFileWithoutFile(t *testing.T) {
	c := Command(nil, "true")
	err := c.Start(Redirects{Stderr: Stream{Mode: UseFile}})
	require.Error(t, err)
	assert.Zero(t, c.Pid())
}

func TestCmd_ResetTwiceNeverDoubleCloses(t *testing.T) {
	c := Command(nil, "true")
	require.NoError(t, c.Start(Redirects{Stdout: Stream{Mode: NewReadPipe}}))
	require.NoError(t, c.Wait())

	pipe := c.Stdout
	c.Reset()
	assert.Nil(t, c.Stdout)
	c.Reset()

	// The pipe was closed exactly once by the first Reset.
	assert.ErrorIs(t, pipe.Close(), os.ErrClosed)
}

func TestCmd_ReuseRequiresReset(t *testing.T) {
	c := Command(nil, "true")
	require.NoError(t, c.Run(Redirects{}))

	assert.ErrorIs(t, c.Start(Redirects{}), ErrHandleBusy)

	c.Reset()
	c.Append("true")
	assert.NoError(t, c.RunReset(Redirects{}))
}

func TestCmd_WaitWithoutStart(t *testing.T) {
	assert.ErrorIs(t, Command(nil, "true").Wait(), ErrNotStarted)
}

func TestCmd_Render(t *testing.T) {
	c := Command(nil, "cc", "-o", "out dir/m.so", "-DTARGET_X86_64")
	assert.Equal(t, "cc -o 'out dir/m.so' -DTARGET_X86_64", c.Render())
}

func TestCmd_LogsCommandAndFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := Command(zap.New(core), "sh", "-c", "exit 7")
	defer c.Reset()

	require.Error(t, c.Run(Redirects{}))
	assert.Equal(t, 1, logs.FilterMessage("CMD").Len())
	failures := logs.FilterMessage("command exited with non-zero status").All()
	require.Len(t, failures, 1)
	assert.EqualValues(t, 7, failures[0].ContextMap()["status"])
}

func TestCmd_RelativePathResolvedAgainstDir(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "tool.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntouch ran\n"), 0o755))

	c := Command(nil, "./tool.sh")
	c.Dir = dir
	require.NoError(t, c.RunReset(Redirects{}))
	assert.FileExists(t, filepath.Join(dir, "ran"))
}

func TestCmd_WaitResetReleasesHandle(t *testing.T) {
	c := Command(nil, "sh", "-c", "printf x")
	require.NoError(t, c.Start(Redirects{Stdout: Stream{Mode: NewReadPipe}}))
	out, err := io.ReadAll(c.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))

	require.NoError(t, c.WaitReset())
	assert.Nil(t, c.Stdout)
	assert.Empty(t, c.Args)
	assert.Zero(t, c.Pid())
}

func TestRunner_Output(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}
	out, err := r.Output(context.Background(), []string{"sh", "-c", "printf 6.1.0-test; echo ignored >&2"})
	require.NoError(t, err)
	assert.Equal(t, "6.1.0-test", string(out))
}

func TestRunner_OutputNonZeroExit(t *testing.T) {
	r := &Runner{}
	out, err := r.Output(context.Background(), []string{"sh", "-c", "printf partial; exit 2"})
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "partial", string(out))
}

func TestRunner_RunUsesDir(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Dir: dir}
	require.NoError(t, r.Run(context.Background(), []string{"touch", "marker"}))
	_, err := os.Stat(filepath.Join(dir, "marker"))
	assert.NoError(t, err)
}

func TestRunner_CancelledContextNeverSpawns(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{Dir: dir}
	err := r.Run(ctx, []string{"touch", "marker"})
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(dir, "marker"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunner_EmptyArgv(t *testing.T) {
	r := &Runner{}
	_, err := r.Output(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("sudo", nil))

	err := Classify("sudo", &ExitError{Name: "sudo", Code: 1})
	assert.True(t, fault.Is(err, fault.Process))
	assert.Contains(t, err.Error(), "sudo exited with status 1")

	err = Classify("sudo", &SignalError{Name: "sudo", Signal: syscall.SIGKILL})
	assert.True(t, fault.Is(err, fault.Process))

	err = Classify("sudo", &SpawnError{Name: "sudo", Err: errors.New("not found")})
	assert.True(t, fault.Is(err, fault.Resource))

	assert.Equal(t, fault.Unknown, fault.KindOf(Classify("sudo", io.ErrUnexpectedEOF)))
}
