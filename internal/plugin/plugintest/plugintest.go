// Package plugintest provides an in-memory plugin.Loader for tests.
package plugintest

import (
	"errors"
	"sync"

	"github.com/deixis/uarch/internal/plugin"
)

// Func implements a fake native function.
type Func func(args ...uintptr) uintptr

// Loader serves libraries registered with Add. Opening an unregistered
// path fails with a linkage error.
type Loader struct {
	mu     sync.Mutex
	libs   map[string]map[string]Func
	opened map[string]int
	closed map[string]int
}

// NewLoader returns an empty loader.
func NewLoader() *Loader {
	return &Loader{
		libs:   make(map[string]map[string]Func),
		opened: make(map[string]int),
		closed: make(map[string]int),
	}
}

// Add registers a library at path exporting symbols.
func (l *Loader) Add(path string, symbols map[string]Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.libs[path] = symbols
}

// Opened reports how many times path was opened.
func (l *Loader) Opened(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened[path]
}

// Closed reports how many times a library at path was closed.
func (l *Loader) Closed(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed[path]
}

// Open implements plugin.Loader.
func (l *Loader) Open(path string) (plugin.Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	syms, ok := l.libs[path]
	if !ok {
		return nil, plugin.LoadError(path, errors.New("cannot open shared object file: No such file or directory"))
	}
	l.opened[path]++
	return &library{loader: l, path: path, symbols: syms}, nil
}

type library struct {
	loader  *Loader
	path    string
	symbols map[string]Func
	closed  bool
}

func (lib *library) Path() string { return lib.path }

func (lib *library) Lookup(name string) (plugin.Symbol, error) {
	fn, ok := lib.symbols[name]
	if !ok || lib.closed {
		return nil, plugin.MissingSymbol(lib.path, name, errors.New("undefined symbol: "+name))
	}
	return symbol{name: name, fn: fn}, nil
}

func (lib *library) Close() error {
	if lib.closed {
		return nil
	}
	lib.closed = true
	lib.loader.mu.Lock()
	lib.loader.closed[lib.path]++
	lib.loader.mu.Unlock()
	return nil
}

type symbol struct {
	name string
	fn   Func
}

func (s symbol) Name() string                 { return s.name }
func (s symbol) Call(args ...uintptr) uintptr { return s.fn(args...) }
