// Package fault classifies orchestration failures so callers can report
// them uniformly and decide on exit status.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure category.
type Kind string

const (
	// Unknown is reported for errors that carry no classification.
	Unknown Kind = "unknown"
	// Config covers unreadable or malformed module descriptors and settings.
	Config Kind = "config"
	// Build covers compiler and kernel build tool failures.
	Build Kind = "build"
	// Linkage covers artifacts that fail to load and missing symbols.
	Linkage Kind = "linkage"
	// Resource covers device nodes, ioctl, module install/uninstall and spawn.
	Resource Kind = "resource"
	// Process covers subprocesses exiting nonzero or killed by a signal.
	Process Kind = "process"
)

// Error is a classified failure. Op names the action that failed and
// Path, when set, the file, device or symbol it failed on.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Configf returns a Config error with a formatted message.
func Configf(path, format string, args ...any) *Error {
	return &Error{Kind: Config, Op: "config", Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
