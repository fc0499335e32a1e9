package buffer

import (
	"github.com/hostgpu/coherency/guestmem"
	"github.com/hostgpu/coherency/hostmem"
	"github.com/hostgpu/coherency/types/xsync"
)

// Pool mints buffer identities and context tags for a single backend, and
// bounds how many host allocations may be in flight against alloc at once.
// It is the narrow, self-contained substitute for the out-of-scope buffer
// manager that spec.md §1 names only as an external collaborator: just
// enough bookkeeping (id/tag minting, a live-buffer lookup, a concurrency
// cap on AllocateBuffer) for this package's own Buffer/View/Delegate
// machinery to be exercised end-to-end without a caller supplying one.
//
// Capping concurrent allocations matters because AllocateBuffer may submit
// to the same host allocator every other context is also allocating from
// right now; letting an unbounded number of contexts race into it at once
// just moves the contention into the allocator instead of bounding it here.
type Pool struct {
	alloc  hostmem.Allocator
	mapper guestmem.Mapper

	ids  IDRegistry
	tags TagAllocator

	inflight *xsync.Semaphore
}

// NewPool returns a Pool drawing host allocations from alloc and guest
// mappings from mapper, allowing at most maxInflightAllocations concurrent
// calls into alloc.AllocateBuffer. mapper may be nil if the pool will only
// ever be asked for host-only buffers. A non-positive maxInflightAllocations
// means unlimited.
func NewPool(alloc hostmem.Allocator, mapper guestmem.Mapper, maxInflightAllocations int) *Pool {
	return &Pool{
		alloc:    alloc,
		mapper:   mapper,
		inflight: xsync.NewSemaphore(maxInflightAllocations),
	}
}

// NewTag mints a fresh ContextTag for a new execution context, suitable for
// use with Buffer.LockWithTag / View.LockWithTag.
func (p *Pool) NewTag() ContextTag {
	return p.tags.NewTag()
}

// NewGuestBuffer allocates and registers a guest-backed Buffer, then
// installs its guest mirror and trap before returning it — callers never
// see a Buffer that still needs SetupGuestMappings.
func (p *Pool) NewGuestBuffer(guest []byte) (*Buffer, error) {
	p.inflight.Acquire()
	defer p.inflight.Release()

	id := p.ids.NewID()
	b, err := NewGuestBuffer(p.alloc, p.mapper, guest, id)
	if err != nil {
		return nil, err
	}
	if err := b.SetupGuestMappings(); err != nil {
		return nil, err
	}
	p.ids.register(id, b)
	return b, nil
}

// NewHostOnlyBuffer allocates and registers a host-only Buffer of size bytes.
func (p *Pool) NewHostOnlyBuffer(size uint64) (*Buffer, error) {
	p.inflight.Acquire()
	defer p.inflight.Release()

	id := p.ids.NewID()
	b, err := NewHostOnlyBuffer(p.alloc, size, id)
	if err != nil {
		return nil, err
	}
	p.ids.register(id, b)
	return b, nil
}

// Lookup returns the buffer the pool registered under id, if it is still
// live (i.e. Release has not been called for it; calling Buffer.Close
// directly does not unregister it).
func (p *Pool) Lookup(id uint64) (*Buffer, bool) {
	return p.ids.Lookup(id)
}

// Release closes b and forgets its id, after which Lookup(b.ID()) misses.
func (p *Pool) Release(b *Buffer) error {
	defer p.ids.Forget(b.ID())
	return b.Close()
}

// Resize changes the maximum number of concurrent AllocateBuffer calls the
// pool allows. A non-positive newLimit means unlimited.
func (p *Pool) Resize(newLimit int) {
	p.inflight.Resize(newLimit)
}
