package buffer

import (
	"sync"

	"github.com/hostgpu/coherency/fence"
	"github.com/hostgpu/coherency/megaring"
)

const (
	// megaBufferTableShiftMin is the smallest region granularity a table
	// will use: 64KiB. A table grows its shift beyond this only for a
	// buffer large enough that 64KiB regions would need more than
	// megaBufferTableMaxEntries of them.
	megaBufferTableShiftMin = 16

	// megaBufferTableMaxEntries bounds how many entries one table may carry.
	// There is no eviction policy for entries past this count to fall back
	// on — the shift simply grows until the buffer's region count fits.
	megaBufferTableMaxEntries = 64

	// FrequentlySyncedThreshold is the sequenceNumber a buffer must reach
	// before the table bothers staging it at all, unless the buffer has
	// already seen at least one GPU-side inline update. A buffer that's
	// barely been touched is cheaper to bind directly than to copy into the
	// ring on the hope that it'll be read again unchanged.
	FrequentlySyncedThreshold = 4

	// MegaBufferingDisableThreshold is the largest view size the table will
	// stage a copy for. Above it, the cost of copying into the ring
	// outweighs whatever inline-update avoidance megabuffering buys, so
	// callers fall back to binding the buffer's backing directly.
	MegaBufferingDisableThreshold = 128 * 1024
)

// megaBufferEntry is one region's cached staging allocation: a copy of
// [entryBase, entryBase+regionSize) of the buffer, as of sequenceNumber and
// executionNumber. entryBase itself isn't stored — it's always
// index<<shift, recoverable from the entry's position in the table.
type megaBufferEntry struct {
	allocation      megaring.Allocation
	executionNumber uint64
	sequenceNumber  uint64
	regionSize      uint64
}

// MegaBufferTable is a direct-mapped cache of staged copies of one buffer's
// regions, keyed by offset>>shift. It exists so that repeated reads of a
// span of a buffer that isn't changing don't each pay for a fresh ring
// allocation and copy.
type MegaBufferTable struct {
	mu      sync.Mutex
	shift   int
	entries []megaBufferEntry
}

// newMegaBufferTable sizes a table to cover a buffer of guestSize bytes
// (the guest span for a guest-backed buffer, the backing size for a
// host-only one). A zero-size buffer gets an empty table; TryMegaBufferView
// on it always misses.
func newMegaBufferTable(guestSize int) *MegaBufferTable {
	shift := megaBufferTableShiftMin
	if guestSize <= 0 {
		return &MegaBufferTable{shift: shift}
	}
	for (guestSize+(1<<shift)-1)>>shift > megaBufferTableMaxEntries {
		shift++
	}
	n := (guestSize + (1 << shift) - 1) >> shift
	return &MegaBufferTable{shift: shift, entries: make([]megaBufferEntry, n)}
}

// TryMegaBufferView attempts to serve [offset, offset+size) out of a cached
// staging allocation for its containing region, or to populate one fresh via
// allocator.Push if that fails. It reports a zero Binding when megabuffering
// isn't available or worthwhile for this request right now:
//
//   - the buffer's current contents can't be acquired without blocking
//     (it's GpuDirty and the fence hasn't signalled);
//   - the buffer has never had an inline GPU update and hasn't been written
//     enough times yet to be worth staging;
//   - the request is larger than MegaBufferingDisableThreshold;
//   - offset falls past the buffer's last region.
//
// A hit requires the cached entry to still be valid for this execution and
// sequence, and to cover the requested span; otherwise the region is
// re-staged starting at its base (not at the literal requested offset), with
// a length grown via max() to the larger of what's requested now and what
// was staged before, so a request that shrinks after a larger one doesn't
// force an unnecessary restage.
func (t *MegaBufferTable) TryMegaBufferView(buf *Buffer, cycle fence.Cycle, allocator megaring.Allocator, executionNumber, offset, size uint64) megaring.Binding {
	if size == 0 {
		return megaring.Binding{}
	}

	seq, data := buf.AcquireCurrentSequence()
	if data == nil {
		return megaring.Binding{}
	}

	if !buf.EverHadInlineUpdate() && seq < FrequentlySyncedThreshold {
		return megaring.Binding{}
	}

	if size > MegaBufferingDisableThreshold {
		return megaring.Binding{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	shift := uint(t.shift)
	entryIdx := offset >> shift
	if entryIdx >= uint64(len(t.entries)) {
		return megaring.Binding{}
	}
	entryBase := entryIdx << shift
	viewOffset := offset - entryBase

	entry := &t.entries[entryIdx]

	fresh := entry.allocation.Valid() &&
		entry.executionNumber == executionNumber &&
		entry.sequenceNumber == seq &&
		entry.regionSize >= viewOffset+size

	if !fresh {
		pushSize := viewOffset + size
		if entry.regionSize > pushSize {
			pushSize = entry.regionSize
		}
		end := entryBase + pushSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if end <= entryBase {
			return megaring.Binding{}
		}

		alloc, err := allocator.Push(cycle, data[entryBase:end], true)
		if err != nil || !alloc.Valid() {
			return megaring.Binding{}
		}

		entry.allocation = alloc
		entry.executionNumber = executionNumber
		entry.sequenceNumber = seq
		entry.regionSize = end - entryBase
	}

	return megaring.Binding{
		Buffer: entry.allocation.Buffer,
		Offset: entry.allocation.Offset + viewOffset,
		Size:   size,
	}
}
