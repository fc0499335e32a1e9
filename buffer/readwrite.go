package buffer

// Read copies len(data) bytes starting at offset out of the buffer into
// data, first bringing the mirror up to date if the buffer is GpuDirty. For
// a host-only buffer (no guest mapping) it reads the backing directly.
func (b *Buffer) Read(isFirstUsage bool, flushHostCallback func(), data []byte, offset uint64) {
	if b.guest == nil {
		copy(data, b.backing.Data[offset:])
		return
	}
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	if b.dirtyState == GpuDirty {
		b.lockedSynchronizeGuestImmediate(isFirstUsage, flushHostCallback)
	}
	copy(data, b.mirror[offset:])
}

// Write copies data into the buffer at offset. It unconditionally advances
// the sequence number and sets everHadInlineUpdate before doing anything
// else — every Write is a mutation of the buffer's backing-bound contents,
// whether or not this particular call happens to land on the backing
// itself this time around. For a host-only buffer it then writes the
// backing directly and returns false.
//
// For a guest-backed buffer, it always writes the mirror, first pulling in
// any GpuDirty bytes so a partial write composes with whatever the GPU last
// produced rather than stale mirror contents, and flushing a CpuDirty mirror
// to the backing first if something currently promises the backing won't
// move out from under a sequenced GPU read (see
// BlockSequencedCpuBackingWrites). What happens after the mirror write
// depends on that same promise:
//
//   - If the buffer was (or still is) CpuDirty and nothing blocks sequenced
//     writes, the backing write is simply deferred to the next
//     SynchronizeHost and Write returns false: the caller has nothing
//     further to do.
//   - Otherwise, if no GPU work is currently in flight against the backing,
//     the write also lands directly on the backing and Write returns false.
//   - Otherwise the backing can't be touched directly — gpuCopyCallback, if
//     supplied, is invoked so the caller can still make the write visible
//     to in-flight GPU work immediately (for example, staging it through a
//     megabuffer), and Write returns false. With no callback supplied,
//     Write returns true so the caller knows to retry once it can.
func (b *Buffer) Write(isFirstUsage bool, flushHostCallback func(), data []byte, offset uint64, gpuCopyCallback func()) bool {
	if b.guest == nil {
		b.stateMutex.Lock()
		b.lockedAdvanceSequence()
		b.everHadInlineUpdate = true
		b.stateMutex.Unlock()
		copy(b.backing.Data[offset:], data)
		return false
	}

	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()

	b.lockedAdvanceSequence()
	b.everHadInlineUpdate = true

	if b.dirtyState == GpuDirty {
		b.lockedSynchronizeGuestImmediate(isFirstUsage, flushHostCallback)
	}

	blocked := b.backingImmutability != None
	if b.dirtyState == CpuDirty && blocked {
		b.lockedSynchronizeHost(false)
	}

	copy(b.mirror[offset:], data)

	if b.dirtyState == CpuDirty && !blocked {
		return false
	}

	if !blocked && b.lockedPollFence() {
		copy(b.backing.Data[offset:], data)
		return false
	}

	if gpuCopyCallback != nil {
		gpuCopyCallback()
		return false
	}
	return true
}

// GetReadOnlyBackingSpan returns a read-only span over the buffer's current
// contents, suitable for a caller about to feed them into something that
// doesn't itself go through the coherency machinery. For a guest-backed
// buffer this is the mirror, pulled up to date first if GpuDirty — the
// backing itself is never exposed here, to avoid handing out GPU-owned
// storage a caller could read concurrently with an in-flight write. For a
// host-only buffer, which has no mirror, it is the backing directly.
// Callers must not retain the returned slice past their current lock scope.
func (b *Buffer) GetReadOnlyBackingSpan(isFirstUsage bool, flushHostCallback func()) []byte {
	if b.guest == nil {
		return b.backing.Data
	}
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	if b.dirtyState == GpuDirty {
		b.lockedSynchronizeGuestImmediate(isFirstUsage, flushHostCallback)
	}
	return b.mirror
}

// AcquireCurrentSequence atomically snapshots the buffer's sequence number
// together with a read-only span of the bytes it currently describes, for a
// caller (the megabuffer table) about to stage a copy and needing to know
// later whether it went stale before it got used. If the buffer is GpuDirty
// it attempts a non-blocking SynchronizeGuest first; on failure it reports
// (0, nil), since there is nothing current to snapshot yet.
func (b *Buffer) AcquireCurrentSequence() (uint64, []byte) {
	b.stateMutex.Lock()
	defer b.stateMutex.Unlock()
	if b.dirtyState == GpuDirty {
		if !b.lockedSynchronizeGuest(false, true) {
			return 0, nil
		}
	}
	if b.guest == nil {
		return b.sequenceNumber, b.backing.Data
	}
	return b.sequenceNumber, b.mirror
}
