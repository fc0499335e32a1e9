// Package buffer implements the guest-host buffer coherency core: a Buffer
// presents a guest CPU-visible memory region as a GPU-backed allocation on
// the host, keeps the two copies consistent across CPU page-fault traps and
// asynchronous GPU completion fences, and exposes View/Delegate handles that
// transparently follow buffer migration.
package buffer

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/hostgpu/coherency/fence"
	"github.com/hostgpu/coherency/guestmem"
	"github.com/hostgpu/coherency/hostmem"
)

// InitialSequenceNumber is the sequence number every Buffer starts with.
const InitialSequenceNumber uint64 = 1

const guestPageSize = 4096

// Buffer is one contiguous guest memory region mirrored by one host
// GPU-visible allocation.
//
// A Buffer conforms to a "Lockable/BasicLockable" style contract: most
// operations document that the buffer must already be locked by the calling
// context (see Lock/LockWithTag/TryLock). This is a caller contract, not
// dynamically checked.
type Buffer struct {
	id uint64

	mapper guestmem.Mapper // nil for host-only buffers

	backing hostmem.Backing
	guest   []byte // nil for host-only buffers

	mirror        []byte // nil for host-only buffers
	alignedMirror []byte

	trapHandle guestmem.TrapHandle

	// mutex is the exclusive buffer lock. tag records which ContextTag (if
	// any) currently owns it, enabling LockWithTag's re-entrancy-by-identity.
	mutex sync.Mutex
	tag   atomic.Uint64

	// stateMutex serializes the fields below. It is a plain sync.Mutex: Go
	// has no ergonomic recursive mutex, so re-entrant access is instead
	// handled structurally via locked* helper methods (see sync.go) rather
	// than by making this mutex itself recursive.
	stateMutex          sync.Mutex
	dirtyState          DirtyState
	backingImmutability BackingImmutability
	cycle               fence.Cycle
	sequenceNumber      uint64
	everHadInlineUpdate bool

	delegate  *Delegate
	megaTable *MegaBufferTable
}

// NewGuestBuffer creates a Buffer wrapping guest with a backing allocation
// obtained from alloc. The guest mirror is not set up yet — callers must
// call SetupGuestMappings before the buffer participates in trap-driven
// coherency (trap callbacks capture a weak reference to the buffer, which
// requires the buffer to already be fully constructed and reachable by the
// caller).
func NewGuestBuffer(alloc hostmem.Allocator, mapper guestmem.Mapper, guest []byte, id uint64) (*Buffer, error) {
	backing, err := alloc.AllocateBuffer(uint64(len(guest)))
	if err != nil {
		return nil, errors.Wrapf(err, "allocating backing for guest buffer of %d bytes", len(guest))
	}
	b := &Buffer{
		id:             id,
		mapper:         mapper,
		backing:        backing,
		guest:          guest,
		dirtyState:     CpuDirty, // the guest mapping is the truth until first synchronized
		sequenceNumber: InitialSequenceNumber,
	}
	b.delegate = newDelegate(b)
	b.megaTable = newMegaBufferTable(len(guest))
	klog.V(2).Infof("buffer %d: allocated %s guest-backed buffer", id, humanize.Bytes(uint64(len(guest))))
	return b, nil
}

// NewHostOnlyBuffer creates a Buffer with no guest mapping: it is pinned to
// Clean forever and has no trap or mirror.
func NewHostOnlyBuffer(alloc hostmem.Allocator, size uint64, id uint64) (*Buffer, error) {
	backing, err := alloc.AllocateBuffer(size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating host-only backing of %d bytes", size)
	}
	b := &Buffer{
		id:             id,
		backing:        backing,
		dirtyState:     Clean,
		sequenceNumber: InitialSequenceNumber,
	}
	b.delegate = newDelegate(b)
	b.megaTable = newMegaBufferTable(int(size))
	klog.V(2).Infof("buffer %d: allocated %s host-only buffer", id, humanize.Bytes(size))
	return b, nil
}

// SetupGuestMappings creates the CPU mirror and installs the page-fault trap
// for a guest-backed Buffer. It must be called exactly once, after
// construction, before any coherency operation relies on the mirror or
// trap. Host-only buffers must never call this.
func (b *Buffer) SetupGuestMappings() error {
	if b.guest == nil {
		exceptions.Panicf("SetupGuestMappings called on a host-only buffer")
	}
	alignedSpan, offset := alignGuestSpan(b.guest)
	alignedMirror, err := b.mapper.CreateMirror(alignedSpan)
	if err != nil {
		return errors.Wrap(err, "creating guest mirror")
	}
	b.alignedMirror = alignedMirror
	b.mirror = alignedMirror[offset : offset+len(b.guest)]

	handle, err := b.mapper.CreateTrap(b.guest, b.preemptCallback(), b.readTrapCallback(), b.writeTrapCallback())
	if err != nil {
		return errors.Wrap(err, "installing guest trap")
	}
	b.trapHandle = handle
	return nil
}

// ID returns the process-unique identity of the buffer.
func (b *Buffer) ID() uint64 {
	return b.id
}

// GetBacking returns the host-side storage for the buffer, for use in
// binding it to GPU commands.
func (b *Buffer) GetBacking() hostmem.Backing {
	return b.backing
}

// GetBackingSpan returns a span over the backing of a host-only buffer.
// It panics if called on a guest-backed buffer: synchronization for those is
// handled internally, and exposing the raw backing would let callers bypass
// it.
func (b *Buffer) GetBackingSpan() []byte {
	if b.guest != nil {
		exceptions.Panicf("GetBackingSpan called on a guest-backed buffer")
	}
	return b.backing.Data
}

// Size returns the buffer's length in bytes.
func (b *Buffer) Size() uint64 {
	if b.guest != nil {
		return uint64(len(b.guest))
	}
	return uint64(b.backing.Size())
}

// GetView returns a View over [offset, offset+size) of the buffer. It
// panics if the span exceeds the buffer's bounds.
func (b *Buffer) GetView(offset, size uint64) View {
	v, ok := b.TryGetView(offset, size)
	if !ok {
		exceptions.Panicf("view [%d, %d) exceeds buffer %d of size %d", offset, offset+size, b.id, b.Size())
	}
	return v
}

// TryGetView returns a View over [offset, offset+size) of the buffer, and
// whether that span is within the buffer's bounds.
func (b *Buffer) TryGetView(offset, size uint64) (View, bool) {
	if offset+size > b.Size() {
		return View{}, false
	}
	return View{delegate: b.delegate, offset: offset, size: size}, true
}

// Close tears down the buffer: deletes the trap (if any), performs a final
// guest synchronization skipping the trap (there is no trap left to
// re-arm), unmaps the mirror, and waits for any outstanding fence so the
// backing is not freed while the GPU might still touch it.
func (b *Buffer) Close() error {
	var firstErr error
	if b.trapHandle != guestmem.NoTrap {
		if err := b.mapper.DeleteTrap(b.trapHandle); err != nil {
			klog.Warningf("buffer %d: deleting trap during close: %v", b.id, err)
			firstErr = err
		}
		b.trapHandle = guestmem.NoTrap
	}
	b.SynchronizeGuest(true, false)
	b.alignedMirror = nil
	b.mirror = nil
	b.WaitOnFence()
	return firstErr
}

// alignGuestSpan returns the page-aligned superset of guest (as a view over
// the same underlying memory, extended to page boundaries) and the byte
// offset of guest's first byte within that superset.
//
// This assumes guest aliases real mapped memory (e.g. an mmap'd guest RAM
// region), the same assumption the rest of this package's guest-backed path
// makes; it is unsound to call with a plain heap-allocated []byte.
func alignGuestSpan(guest []byte) (aligned []byte, offset int) {
	if len(guest) == 0 {
		return guest, 0
	}
	base := uintptr(unsafe.Pointer(&guest[0]))
	alignedBase := base &^ (guestPageSize - 1)
	offset = int(base - alignedBase)
	end := base + uintptr(len(guest))
	alignedEnd := (end + guestPageSize - 1) &^ (guestPageSize - 1)
	alignedLen := int(alignedEnd - alignedBase)
	aligned = unsafe.Slice((*byte)(unsafe.Pointer(alignedBase)), alignedLen)
	return aligned, offset
}
