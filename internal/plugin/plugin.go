// Package plugin loads native shared libraries into the orchestrator and
// resolves their entry points by name. It is the only place that crosses
// into module-supplied native code.
package plugin

import (
	"fmt"

	"github.com/deixis/uarch/internal/fault"
)

// Loader opens shared libraries.
type Loader interface {
	Open(path string) (Library, error)
}

// Library is a loaded shared library.
type Library interface {
	Path() string
	// Lookup resolves name. A missing symbol yields an error wrapping
	// *SymbolError.
	Lookup(name string) (Symbol, error)
	Close() error
}

// Symbol is a resolved function. Call passes integer or pointer sized
// arguments in registers following the platform C ABI and returns the
// first return register.
type Symbol interface {
	Name() string
	Call(args ...uintptr) uintptr
}

// SymbolError reports a symbol absent from a loaded library.
type SymbolError struct {
	Library string
	Symbol  string
	Err     error
}

func (e *SymbolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("symbol %s not found in %s", e.Symbol, e.Library)
	}
	return fmt.Sprintf("symbol %s not found in %s: %v", e.Symbol, e.Library, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

// MissingSymbol builds the linkage error returned for an absent symbol.
func MissingSymbol(library, symbol string, err error) error {
	return fault.New(fault.Linkage, "resolve", symbol, &SymbolError{Library: library, Symbol: symbol, Err: err})
}

// LoadError builds the linkage error returned when a library cannot be
// loaded.
func LoadError(path string, err error) error {
	return fault.New(fault.Linkage, "load", path, err)
}
