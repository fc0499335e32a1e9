package buffer

import (
	"k8s.io/klog/v2"

	"github.com/hostgpu/coherency/fence"
	"github.com/hostgpu/coherency/guestmem"
)

// All exported methods in this file that touch stateMutex-guarded fields
// lock stateMutex themselves (Invalidate touches none and takes no lock). The
// locked* variants assume it is already held by the calling goroutine —
// they exist so that one coherency operation can call another without
// Go's non-recursive sync.Mutex deadlocking, the same role the teacher's
// locked* method pairs play for its own mutex (see types/tensors).
//
// One deliberate deviation from the system this was distilled from: there,
// the mirror<->backing memcpy in SynchronizeHost/SynchronizeGuest happens
// outside the state lock when called at the top level (a recursive mutex
// that's still held by an outer frame keeps it locked during the copy only
// when nested). Here the copy always happens under stateMutex. It costs a
// little concurrency between a buffer's own traps and an in-flight sync of
// that buffer, but keeps the locking discipline uniform instead of threading an
// "already held" flag through every call site.

// lockedWaitOnFence blocks until the buffer's current fence cycle (if any)
// is signalled, then forgets it.
func (b *Buffer) lockedWaitOnFence() {
	if b.cycle != nil {
		b.cycle.Wait()
		b.cycle = nil
	}
}

// WaitOnFence blocks until any GPU work the buffer is waiting on completes.
func (b *Buffer) WaitOnFence() {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	b.lockedWaitOnFence()
}

// lockedPollFence reports whether the buffer's fence cycle, if any, has
// completed, forgetting it if so.
func (b *Buffer) lockedPollFence() bool {
	if b.cycle == nil {
		return true
	}
	if !b.cycle.Poll() {
		return false
	}
	b.cycle = nil
	return true
}

// PollFence reports whether the buffer's fence cycle, if any, has
// completed, without blocking.
func (b *Buffer) PollFence() bool {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	return b.lockedPollFence()
}

// UpdateCycle attaches newCycle as the buffer's outstanding fence cycle,
// chaining in whatever cycle it supersedes so a future wait on newCycle
// transitively waits on the work that preceded it too.
func (b *Buffer) UpdateCycle(newCycle fence.Cycle) {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	if b.cycle != nil {
		newCycle.ChainCycle(b.cycle)
	}
	b.cycle = newCycle
}

// lockedAdvanceSequence bumps the buffer's sequence number, invalidating
// any megabuffer table entry that was cached against an older one.
func (b *Buffer) lockedAdvanceSequence() {
	b.sequenceNumber++
}

// AdvanceSequence bumps the buffer's sequence number.
func (b *Buffer) AdvanceSequence() {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	b.lockedAdvanceSequence()
}

// lockedSynchronizeHost copies the mirror into the backing if the buffer is
// CpuDirty, leaving it Clean. It is a no-op for host-only buffers and for
// buffers that are not CpuDirty.
func (b *Buffer) lockedSynchronizeHost(skipTrap bool) {
	if b.guest == nil || b.dirtyState != CpuDirty {
		return
	}
	b.dirtyState = Clean
	b.lockedWaitOnFence()
	b.lockedAdvanceSequence()
	if !skipTrap {
		if err := b.mapper.TrapRegions(b.trapHandle, true); err != nil {
			klog.Warningf("buffer %d: re-arming write trap after host sync: %v", b.id, err)
		}
	}
	copy(b.backing.Data, b.mirror)
}

// SynchronizeHost propagates a CpuDirty mirror to the backing allocation so
// the GPU sees up-to-date bytes. A no-op if the buffer isn't CpuDirty.
func (b *Buffer) SynchronizeHost(skipTrap bool) {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	b.lockedSynchronizeHost(skipTrap)
}

// lockedSynchronizeGuest copies the backing into the mirror if the buffer is
// GpuDirty, leaving it Clean. If nonBlocking is set and the fence hasn't
// completed yet, it reports false without copying anything.
func (b *Buffer) lockedSynchronizeGuest(skipTrap, nonBlocking bool) bool {
	if b.guest == nil {
		return false
	}
	if b.dirtyState != GpuDirty {
		return true
	}
	if nonBlocking {
		if !b.lockedPollFence() {
			return false
		}
	} else {
		b.lockedWaitOnFence()
	}
	copy(b.mirror, b.backing.Data)
	b.dirtyState = Clean
	if !skipTrap {
		if err := b.mapper.TrapRegions(b.trapHandle, true); err != nil {
			klog.Warningf("buffer %d: re-arming write trap after guest sync: %v", b.id, err)
		}
	}
	return true
}

// SynchronizeGuest propagates a GpuDirty backing to the mirror so the CPU
// sees up-to-date bytes. A no-op (reporting true) if a guest-backed buffer
// isn't GpuDirty; a host-only buffer always reports false. If nonBlocking
// is set and the GPU work isn't done yet, it reports false instead of
// blocking.
func (b *Buffer) SynchronizeGuest(skipTrap, nonBlocking bool) bool {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	return b.lockedSynchronizeGuest(skipTrap, nonBlocking)
}

// lockedSynchronizeGuestImmediate is the eager guest sync used by Read/Write
// when this context wasn't the first to touch the resource within the
// execution: pending GPU work submitted by an earlier context within the
// same execution must be flushed first (so this read/write observes it),
// before blocking for any outstanding GPU work and copying GpuDirty bytes
// back to the mirror. On first usage there is nothing prior to flush.
func (b *Buffer) lockedSynchronizeGuestImmediate(isFirstUsage bool, flushHostCallback func()) {
	if !isFirstUsage && flushHostCallback != nil {
		flushHostCallback()
	}
	b.lockedSynchronizeGuest(false, false)
}

// SynchronizeGuestImmediate is SynchronizeGuest preceded by an optional
// host-side flush, for callers about to read or write guest memory directly.
func (b *Buffer) SynchronizeGuestImmediate(isFirstUsage bool, flushHostCallback func()) {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	b.lockedSynchronizeGuestImmediate(isFirstUsage, flushHostCallback)
}

// MarkGpuDirty transitions the buffer to GpuDirty: the write trap is armed
// first, before anything else touches the mirror or backing, so a guest
// write racing the flush below is trapped rather than silently lost; any
// pending CpuDirty bytes are then flushed to the backing, the guest
// mirror's pages are paged out so a concurrent GPU write can't be silently
// shadowed by a stale mirror, all CPU backing writes are blocked until the
// next Unlock, and the sequence number advances since the backing is about
// to be mutated by the GPU.
func (b *Buffer) MarkGpuDirty() {
	if b.guest == nil {
		return
	}
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	if b.dirtyState == GpuDirty {
		return
	}
	if err := b.mapper.TrapRegions(b.trapHandle, false); err != nil {
		klog.Warningf("buffer %d: arming write trap for gpu dirty: %v", b.id, err)
	}
	if b.dirtyState == CpuDirty {
		b.lockedSynchronizeHost(true)
	}
	b.dirtyState = GpuDirty
	if err := b.mapper.PageOutRegions(b.trapHandle); err != nil {
		klog.Warningf("buffer %d: paging out mirror for gpu dirty: %v", b.id, err)
	}
	b.backingImmutability = AllWrites
	b.lockedAdvanceSequence()
}

// Invalidate tears down the guest-side half of a buffer permanently: it
// deletes the page-fault trap and drops the guest span. Used when the guest
// mapping backing a buffer is being torn down out from under it.
func (b *Buffer) Invalidate() {
	if b.trapHandle != guestmem.NoTrap {
		if err := b.mapper.DeleteTrap(b.trapHandle); err != nil {
			klog.Warningf("buffer %d: deleting trap during invalidate: %v", b.id, err)
		}
		b.trapHandle = guestmem.NoTrap
	}
	b.guest = nil
}

// BlockSequencedCpuBackingWrites promises that sequenced CPU writes won't
// touch the backing for the remainder of the current lock scope, without
// disturbing a stronger AllWrites promise already in effect.
func (b *Buffer) BlockSequencedCpuBackingWrites() {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	if b.backingImmutability == None {
		b.backingImmutability = SequencedWrites
	}
}

// BlockAllCpuBackingWrites promises that no CPU write at all will touch the
// backing for the remainder of the current lock scope.
func (b *Buffer) BlockAllCpuBackingWrites() {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	b.backingImmutability = AllWrites
}

// SequencedCpuBackingWritesBlocked reports whether either immutability
// promise is currently in effect.
func (b *Buffer) SequencedCpuBackingWritesBlocked() bool {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	return b.backingImmutability == SequencedWrites || b.backingImmutability == AllWrites
}

// AllCpuBackingWritesBlocked reports whether the AllWrites promise is
// currently in effect.
func (b *Buffer) AllCpuBackingWritesBlocked() bool {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	return b.backingImmutability == AllWrites
}

// RequiresCycleAttach reports whether a caller about to submit GPU work
// touching this buffer's backing must attach its cycle via UpdateCycle — true
// whenever either immutability promise is in effect, since that's the signal
// that something is relying on the backing staying put without CPU
// interference until the GPU is done with it.
func (b *Buffer) RequiresCycleAttach() bool {
	return b.SequencedCpuBackingWritesBlocked()
}

// EverHadInlineUpdate reports whether Write has ever been called on the
// buffer; every Write sets it, whether the bytes land on the backing, stay
// in the mirror, or go through gpuCopyCallback. The megabuffer table stages
// views of such a buffer even before its sequence number reaches
// FrequentlySyncedThreshold.
func (b *Buffer) EverHadInlineUpdate() bool {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	return b.everHadInlineUpdate
}
