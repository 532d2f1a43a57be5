//go:build linux || darwin

package plugin

import (
	"errors"
	"sync"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// Dlopen loads libraries with the system dynamic linker. Symbols are bound
// eagerly so that unresolved references in a module fail at load time.
type Dlopen struct {
	Logger *zap.Logger
}

var _ Loader = Dlopen{}

// Open loads path into the process.
func (l Dlopen) Open(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, LoadError(path, err)
	}
	if l.Logger != nil {
		l.Logger.Debug("library loaded", zap.String("path", path))
	}
	return &library{path: path, handle: h}, nil
}

type library struct {
	path string

	mu     sync.Mutex
	handle uintptr
}

var errClosed = errors.New("library closed")

func (l *library) Path() string { return l.path }

func (l *library) Lookup(name string) (Symbol, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil, MissingSymbol(l.path, name, errClosed)
	}
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return nil, MissingSymbol(l.path, name, err)
	}
	if addr == 0 {
		return nil, MissingSymbol(l.path, name, nil)
	}
	return &symbol{name: name, addr: addr}, nil
}

func (l *library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

type symbol struct {
	name string
	addr uintptr
}

func (s *symbol) Name() string { return s.name }

func (s *symbol) Call(args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(s.addr, args...)
	return r1
}
