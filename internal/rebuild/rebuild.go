// Package rebuild decides whether a build artifact is stale by comparing
// file modification times and the build line recorded with it, and
// rebuilds the orchestrator binary in place.
package rebuild

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/runner"
	"go.uber.org/zap"
)

// ErrNoInputs is returned by Check when called without input paths.
var ErrNoInputs = errors.New("rebuild check needs at least one input")

// Check reports whether output must be rebuilt from inputs. A missing
// output needs a rebuild. Inputs are mandatory: a missing or unreadable
// input is an error. Otherwise output is stale when any input is strictly
// newer than it.
func Check(output string, inputs ...string) (bool, error) {
	if len(inputs) == 0 {
		return false, fault.New(fault.Config, "rebuild check", output, ErrNoInputs)
	}

	// Inputs are validated before the output so that a missing input is
	// never masked by a missing output.
	infos := make([]fs.FileInfo, len(inputs))
	for i, in := range inputs {
		fi, err := os.Stat(in)
		if err != nil {
			return false, fault.New(fault.Config, "stat input", in, err)
		}
		infos[i] = fi
	}

	out, err := os.Stat(output)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fault.New(fault.Config, "stat output", output, err)
	}

	for _, fi := range infos {
		if fi.ModTime().After(out.ModTime()) {
			return true, nil
		}
	}
	return false, nil
}

// SelfOptions configures a rebuild of the running binary.
type SelfOptions struct {
	Binary  string   // path of the binary to replace
	Sources []string // inputs the binary is built from
	Build   []string // argv that writes a fresh binary to Binary
	Force   bool     // rebuild even when Binary is up to date
	Logger  *zap.Logger
}

// Self rebuilds the binary when it is older than its sources. The
// previous binary is kept as <binary>.old during the build and restored
// if the build fails. It reports whether a rebuild happened.
func Self(ctx context.Context, exec runner.Executor, opts SelfOptions) (bool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !opts.Force {
		stale, err := Check(opts.Binary, opts.Sources...)
		if err != nil {
			return false, err
		}
		if !stale {
			logger.Debug("binary is up to date", zap.String("binary", opts.Binary))
			return false, nil
		}
	}

	old := opts.Binary + ".old"
	hadBinary := true
	if err := os.Rename(opts.Binary, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fault.New(fault.Resource, "rename", opts.Binary, err)
		}
		hadBinary = false
	}

	logger.Info("rebuilding", zap.String("binary", opts.Binary))
	if err := exec.Run(ctx, opts.Build); err != nil {
		if hadBinary {
			if rerr := os.Rename(old, opts.Binary); rerr != nil {
				logger.Error("restoring previous binary", zap.String("binary", opts.Binary), zap.Error(rerr))
			}
		}
		return false, fault.New(fault.Build, "rebuild", opts.Binary, err)
	}

	if hadBinary {
		if err := os.Remove(old); err != nil {
			logger.Warn("removing previous binary", zap.String("path", old), zap.Error(err))
		}
	}
	return true, nil
}
