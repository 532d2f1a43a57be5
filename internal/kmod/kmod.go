// Package kmod drives the lifetime of a kernel module under test:
// insmod, open its control device, one ioctl, close, rmmod.
package kmod

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/probe"
	"github.com/deixis/uarch/internal/runner"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Device is an open control channel to a loaded module.
type Device interface {
	Ioctl(req uintptr, arg unsafe.Pointer) error
	Close() error
}

// Opener opens control devices.
type Opener interface {
	Open(path string) (Device, error)
}

// CharDevices opens character device nodes read-write.
type CharDevices struct{}

var _ Opener = CharDevices{}

// Open implements Opener.
func (CharDevices) Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &charDevice{fd: fd}, nil
}

type charDevice struct {
	fd int
}

func (d *charDevice) Ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *charDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Session installs and removes kernel modules through the process
// substrate and talks to them through an Opener.
type Session struct {
	Exec    runner.Executor
	Devices Opener
	Logger  *zap.Logger
}

// Run installs object, opens device, issues a single CmdRunFunction ioctl
// carrying req and removes the module again. Removal runs exactly once on
// every path, including failed installs and failed opens. A removal
// failure is returned only when nothing else failed; otherwise it is
// logged so it does not mask the primary error.
func (s *Session) Run(ctx context.Context, object, device string, req *probe.Request) (err error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	defer func() {
		rerr := s.Exec.Run(context.WithoutCancel(ctx), []string{"rmmod", object})
		if rerr == nil {
			return
		}
		rerr = fault.New(fault.Resource, "rmmod", object, rerr)
		if err == nil {
			err = rerr
			return
		}
		logger.Error("removing kernel module", zap.String("object", object), zap.Error(rerr))
	}()

	if err := s.Exec.Run(ctx, []string{"insmod", object}); err != nil {
		return fault.New(fault.Resource, "insmod", object, err)
	}

	dev, err := s.Devices.Open(device)
	if err != nil {
		return fault.New(fault.Resource, "open device", device, err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			logger.Warn("closing device", zap.String("device", device), zap.Error(cerr))
		}
	}()

	logger.Debug("issuing ioctl",
		zap.String("device", device),
		zap.Int32("cpu", req.CPU),
		zap.Uintptr("ret", req.Ret))
	if err := dev.Ioctl(probe.CmdRunFunction, unsafe.Pointer(req)); err != nil {
		return fault.New(fault.Resource, "ioctl", device, fmt.Errorf("run function on cpu %d: %w", req.CPU, err))
	}
	runtime.KeepAlive(req)
	return nil
}
