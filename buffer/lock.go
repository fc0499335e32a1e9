package buffer

// Lock acquires the exclusive buffer lock for the calling context,
// unconditionally blocking until it is available.
func (b *Buffer) Lock() {
	b.mutex.Lock()
	b.tag.Store(uint64(NoTag))
}

// LockWithTag acquires the exclusive buffer lock, associating tag with it.
// If the lock is already held with the same non-zero tag, this returns
// false immediately without taking the lock again — all locks sharing a
// tag must come from the same logical context, since only one unlock() call
// will follow. A zero tag disables this fast path entirely.
//
// It reports whether the lock was freshly acquired by this call, as
// opposed to already being held under the same tag.
func (b *Buffer) LockWithTag(tag ContextTag) bool {
	if tag != NoTag && tag == ContextTag(b.tag.Load()) {
		return false
	}
	b.mutex.Lock()
	b.tag.Store(uint64(tag))
	return true
}

// TryLock attempts to acquire the exclusive buffer lock without blocking.
// It reports whether the lock was acquired.
func (b *Buffer) TryLock() bool {
	if !b.mutex.TryLock() {
		return false
	}
	b.tag.Store(uint64(NoTag))
	return true
}

// Unlock releases the exclusive buffer lock held by the calling context.
// It resets backingImmutability to None and clears the owning tag:
// immutability promises and tag ownership are strictly per-context and
// never survive a lock boundary.
func (b *Buffer) Unlock() {
	b.tag.Store(uint64(NoTag))
	b.stateMutex.Lock()
	b.backingImmutability = None
	b.stateMutex.Unlock()
	b.mutex.Unlock()
}
