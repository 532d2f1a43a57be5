// Package probe defines the binary contract shared with probe code: the
// request record handed to tester_run and to the kernel ioctl, and the
// opaque result record the probe fills and the analyzer judges.
//
// The result record's layout belongs to the module. The orchestrator only
// allocates bytes and tracks their length.
package probe

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CmdRunFunction is the only command understood by tester_run and the
// only ioctl request number the kernel tester accepts.
const CmdRunFunction = 0

// Request mirrors struct run_function_request { void *args; int cpu; void *ret; }.
// Pointers must reference memory outside the Go heap.
type Request struct {
	Args uintptr
	CPU  int32
	_    [4]byte
	Ret  uintptr
}

// RequestSize is the size of the record on LP64 targets.
const RequestSize = 24

var _ [RequestSize - unsafe.Sizeof(Request{})]struct{}
var _ [unsafe.Sizeof(Request{}) - RequestSize]struct{}

// NewRequest builds a request targeting cpu that writes into buf.
func NewRequest(cpu int, buf *Buffer) *Request {
	return &Request{CPU: int32(cpu), Ret: buf.Ptr()}
}

// Buffer is a result record allocated with an anonymous mapping so its
// address can be passed to native code and across the kernel boundary.
type Buffer struct {
	mem  []byte
	size int
}

// ErrFreed is returned when a freed buffer is used.
var ErrFreed = errors.New("result buffer already freed")

// Alloc maps a zeroed buffer of at least size bytes. A zero size still
// maps one page so the record always has a valid address.
func Alloc(size uint64) (*Buffer, error) {
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("result size %d exceeds %d", size, maxSize)
	}
	n := int(size)
	mapped := n
	if mapped == 0 {
		mapped = 1
	}
	mem, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d byte result buffer: %w", size, err)
	}
	return &Buffer{mem: mem, size: n}, nil
}

const maxSize = 1 << 30

// Len is the analyzer-reported size of the record.
func (b *Buffer) Len() int { return b.size }

// Bytes returns the record's contents. It aliases the mapping and is
// invalid after Free.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.mem == nil {
		return nil
	}
	return b.mem[:b.size]
}

// Ptr returns the record's address, or 0 once freed.
func (b *Buffer) Ptr() uintptr {
	if b == nil || b.mem == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// Snapshot copies the record onto the Go heap.
func (b *Buffer) Snapshot() []byte {
	return append([]byte(nil), b.Bytes()...)
}

// Free unmaps the record. Freeing twice is an error but never unmaps
// foreign memory.
func (b *Buffer) Free() error {
	if b.mem == nil {
		return ErrFreed
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
