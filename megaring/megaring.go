// Package megaring defines the interface to the mega-buffer ring allocator:
// a large upload ring into which short-lived staged copies of buffer regions
// are pushed to avoid inline GPU-side updates.
package megaring

import "github.com/hostgpu/coherency/fence"

// Allocation is a region of the ring buffer holding a staged copy of some
// buffer's bytes.
type Allocation struct {
	// Buffer identifies the underlying ring buffer (opaque to the core).
	Buffer any

	// Offset is the byte offset of the allocation within Buffer.
	Offset uint64

	// Size is the number of bytes reserved for the allocation.
	Size uint64
}

// Valid reports whether the allocation refers to a real ring region.
func (a Allocation) Valid() bool {
	return a.Buffer != nil
}

// Binding is what a caller actually binds for a megabuffered view: the ring
// buffer, the absolute offset of the requested slice within it, and the
// slice's size.
type Binding struct {
	Buffer any
	Offset uint64
	Size   uint64
}

// Valid reports whether the binding refers to real storage.
func (b Binding) Valid() bool {
	return b.Buffer != nil
}

// Allocator pushes short-lived staged copies into a ring buffer.
//
// cacheable allocations are expected to survive until cycle is signalled;
// the caller (the megabuffer table) is responsible for not reading a
// cacheable allocation again after that point without re-pushing.
type Allocator interface {
	Push(cycle fence.Cycle, data []byte, cacheable bool) (Allocation, error)
}
