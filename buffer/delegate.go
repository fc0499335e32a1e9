package buffer

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// Delegate is one link in a buffer's migration chain. Every Buffer owns
// exactly one Delegate pointing at itself when it's created; when a buffer's
// contents are migrated into another buffer, its delegate is relinked to
// point at the new buffer (with an offset) instead, so every outstanding
// View that was resolved against the old delegate transparently follows the
// move the next time it's dereferenced.
//
// A Delegate can be relinked at most once: relinking an already-linked
// delegate is a programming error and panics. The delegate it is linked to
// may itself be linked later, so chains can grow to several hops;
// GetBuffer and GetOffset walk the whole chain, and View.ResolveDelegate
// flattens it for the view that resolved it.
type Delegate struct {
	mu sync.Mutex

	buffer *Buffer
	offset uint64

	linked *Delegate
}

// newDelegate returns a Delegate for a freshly constructed buffer, pointing
// directly at it with a zero offset.
func newDelegate(b *Buffer) *Delegate {
	return &Delegate{buffer: b}
}

// GetBuffer resolves the delegate chain and returns the buffer it currently
// points to.
func (d *Delegate) GetBuffer() *Buffer {
	for {
		d.mu.Lock()
		next := d.linked
		buffer := d.buffer
		d.mu.Unlock()
		if next == nil {
			return buffer
		}
		d = next
	}
}

// GetOffset resolves the delegate chain and returns the cumulative byte
// offset of the original buffer's start within the buffer GetBuffer would
// return.
func (d *Delegate) GetOffset() uint64 {
	var total uint64
	for {
		d.mu.Lock()
		next := d.linked
		offset := d.offset
		d.mu.Unlock()
		total += offset
		if next == nil {
			return total
		}
		d = next
	}
}

// Link relinks the delegate to point at newTarget's delegate, newOffset
// bytes into it, in place of the buffer it previously pointed to directly.
// It panics if this delegate has already been linked.
func (d *Delegate) Link(newTarget *Delegate, newOffset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.linked != nil {
		exceptions.Panicf("delegate already linked to another buffer")
	}
	d.linked = newTarget
	d.offset = newOffset
	d.buffer = nil
}
