package buffer

import (
	"weak"

	"github.com/hostgpu/coherency/guestmem"
)

// The three callbacks below are handed to the guest memory mapper when a
// buffer's trap is installed (SetupGuestMappings) and may run on an
// arbitrary faulting thread, well after the code that created the buffer
// has moved on. They must not keep the buffer alive on their own: a real
// mapper implementation holds onto these closures for as long as the trap
// is armed, and if they captured *Buffer directly that would turn "the
// mapper still remembers this trap" into "this buffer can never be
// collected", even once every other owner has dropped it and its trap has
// actually been deleted. weak.Pointer breaks that: once nothing but the
// mapper's callback closures reference the buffer, it can be collected, and
// the callbacks degrade to harmless no-ops instead of reviving it.
//
// The read and write trap callbacks never block on a lock: they run inline
// with the fault, so they take the buffer's locks with TryLock rather than
// Lock. Lock contention here means some other context is already actively
// using the buffer, in which case the fault is left unresolved for the
// mapper to retry. Once it holds both locks, the write trap callback does
// wait on the buffer's fence. The preempt callback is different: stalling
// the guest thread on the full buffer lock is its whole job.
//
// The read and write trap callbacks take mutex directly (bypassing
// Lock/TryLock/Unlock's tag and backingImmutability bookkeeping) because
// they already hold stateMutex when they do it, and Unlock's own attempt to
// take stateMutex again would deadlock; they also aren't a logical
// "context" in the LockWithTag sense, so resetting the tag or whichever
// immutability promise an actual context is holding would be wrong.

// preemptCallback returns the callback invoked by the mapper when the guest
// thread is about to run while the GPU still owns the backing exclusively.
// It does nothing but stall that thread: if AllCpuBackingWritesBlocked is in
// effect, it acquires and immediately releases the full buffer lock, which
// blocks until whichever context set that promise has unlocked (and reset
// it, per Unlock's per-context contract) — there is nothing else for the
// guest thread to observe or do once that promise is gone.
func (b *Buffer) preemptCallback() guestmem.PreemptCallback {
	weakSelf := weak.Make(b)
	return func() {
		self := weakSelf.Value()
		if self == nil {
			return
		}
		if self.AllCpuBackingWritesBlocked() {
			self.Lock()
			self.Unlock()
		}
	}
}

// readTrapCallback returns the callback invoked when the guest CPU faults
// on a read of the buffer's mirror. This can only happen while the buffer
// is GpuDirty (TrapRegions is armed write-only otherwise), so resolving it
// means pulling the GPU's bytes back into the mirror.
//
// It never blocks: it try-locks stateMutex first and gives up immediately
// on contention, and only escalates to try-locking the full buffer mutex
// once it has confirmed under stateMutex that there is actually GpuDirty
// work to pull in.
//
// It reports whether the fault was resolved; false means the mapper should
// leave the fault unresolved and retry.
func (b *Buffer) readTrapCallback() guestmem.FaultCallback {
	weakSelf := weak.Make(b)
	return func() bool {
		self := weakSelf.Value()
		if self == nil {
			return true
		}
		if !self.stateMutex.TryLock() {
			return false
		}
		if self.dirtyState != GpuDirty {
			self.stateMutex.Unlock()
			return true
		}
		if !self.mutex.TryLock() {
			self.stateMutex.Unlock()
			return false
		}
		ok := self.lockedSynchronizeGuest(true, false)
		self.mutex.Unlock()
		self.stateMutex.Unlock()
		return ok
	}
}

// writeTrapCallback returns the callback invoked when the guest CPU faults
// on a write to the buffer's mirror. If CPU backing writes aren't all
// blocked (AllWrites) and the buffer isn't GpuDirty, the write is let
// through as CpuDirty without touching anything else. Otherwise the GPU's bytes must be pulled back
// into the mirror first, which means waiting for its fence and taking the
// full buffer lock.
func (b *Buffer) writeTrapCallback() guestmem.FaultCallback {
	weakSelf := weak.Make(b)
	return func() bool {
		self := weakSelf.Value()
		if self == nil {
			return true
		}
		if !self.stateMutex.TryLock() {
			return false
		}
		if self.backingImmutability != AllWrites && self.dirtyState != GpuDirty {
			self.dirtyState = CpuDirty
			self.stateMutex.Unlock()
			return true
		}
		if !self.mutex.TryLock() {
			self.stateMutex.Unlock()
			return false
		}
		self.lockedWaitOnFence()
		self.lockedSynchronizeGuest(true, false)
		self.dirtyState = CpuDirty
		self.mutex.Unlock()
		self.stateMutex.Unlock()
		return true
	}
}
