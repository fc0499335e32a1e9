package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/hostgpu/coherency/types/xsync"
)

// DirtyState describes which side of a Buffer — the CPU mirror or the GPU
// backing — currently holds the authoritative bytes.
type DirtyState int

const (
	// Clean means mirror and backing agree.
	Clean DirtyState = iota
	// CpuDirty means the mirror is fresher than the backing.
	CpuDirty
	// GpuDirty means the backing is fresher than the mirror.
	GpuDirty
)

func (s DirtyState) String() string {
	switch s {
	case Clean:
		return "Clean"
	case CpuDirty:
		return "CpuDirty"
	case GpuDirty:
		return "GpuDirty"
	default:
		return "DirtyState(?)"
	}
}

// BackingImmutability is a per-context promise about whether CPU code may
// write to a Buffer's backing allocation.
type BackingImmutability int

const (
	// None means the backing can be freely written to and read from by the CPU.
	None BackingImmutability = iota
	// SequencedWrites means sequenced writes must not touch the backing (it's
	// being read directly by the GPU), but unsequenced writes may still occur.
	SequencedWrites
	// AllWrites means no CPU write to the backing may occur at all.
	AllWrites
)

// ContextTag identifies a calling context for the purposes of re-entrant
// locking: repeated LockWithTag calls using the same non-zero tag acquire
// the lock only once.
type ContextTag uint64

// NoTag is the zero value of ContextTag; it never matches a prior lock, so
// LockWithTag(NoTag) always blocks and always reports a fresh acquisition.
const NoTag ContextTag = 0

// TagAllocator mints fresh, non-zero ContextTag values for execution
// contexts. The original system this was distilled from obtains tags from an
// allocator external to the buffer package itself; this is a self-contained
// substitute so the buffer package doesn't need a caller-supplied minting
// policy to be exercised in isolation.
type TagAllocator struct {
	next atomic.Uint64
}

// NewTag returns a fresh ContextTag, guaranteed distinct from every other
// value this allocator has returned.
func (a *TagAllocator) NewTag() ContextTag {
	return ContextTag(a.next.Add(1))
}

// IDRegistry mints process-unique Buffer identities and tracks the live
// Buffer currently holding each one. Kept separate from TagAllocator even
// though both are monotonic counters: buffer identity and context identity
// are different namespaces and must never be compared.
//
// The id->Buffer half stands in for the narrow slice of the out-of-scope
// buffer manager's bookkeeping that this package's own Pool needs to be
// self-contained: looking a buffer back up by the id it was minted with,
// without requiring a caller to keep a side table of its own.
type IDRegistry struct {
	mu   sync.Mutex
	next uint64

	live xsync.SyncMap[uint64, *Buffer]
}

// NewID returns a fresh, process-unique buffer identity.
func (r *IDRegistry) NewID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

// register records b as the live buffer for id.
func (r *IDRegistry) register(id uint64, b *Buffer) {
	r.live.Store(id, b)
}

// Lookup returns the live buffer registered under id, if any.
func (r *IDRegistry) Lookup(id uint64) (*Buffer, bool) {
	return r.live.Load(id)
}

// Forget removes id's entry, once the buffer it named has been closed.
func (r *IDRegistry) Forget(id uint64) {
	r.live.Delete(id)
}
