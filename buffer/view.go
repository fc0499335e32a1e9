package buffer

import (
	"github.com/hostgpu/coherency/fence"
	"github.com/hostgpu/coherency/megaring"
)

// View is a handle to a byte span of a buffer that survives the buffer
// being migrated into another one. It holds the delegate the buffer owned
// when the view was created rather than the buffer itself, and re-resolves
// through the delegate chain on every use — see Delegate.
//
// The zero value is an invalid View; Valid reports this.
//
// Methods take a pointer receiver so that ResolveDelegate can flatten the
// delegate chain in place (see ResolveDelegate): a View that's migrated
// several hops away from its original buffer gets rewritten to point
// directly at the current one the first time it's resolved, instead of
// re-walking a growing chain on every subsequent call.
type View struct {
	delegate *Delegate
	offset   uint64
	size     uint64
}

// Valid reports whether the view refers to any buffer at all.
func (v *View) Valid() bool {
	return v.delegate != nil
}

// ResolveDelegate walks the view's delegate chain and returns the buffer it
// currently targets, together with the view's absolute byte offset within
// that buffer. Having resolved the chain, it rewrites the view's own
// (delegate, offset) to point directly at the current underlying delegate
// with the accumulated offset, so a future call on this View is a single
// hop instead of a walk. The cost of following a migration chain is paid
// opportunistically here rather than by scanning every outstanding view
// when the migration happens.
func (v *View) ResolveDelegate() (*Buffer, uint64) {
	if v.delegate == nil {
		return nil, 0
	}
	buf := v.delegate.GetBuffer()
	offset := v.delegate.GetOffset() + v.offset
	if buf != nil {
		v.delegate = buf.delegate
		v.offset = offset
	}
	return buf, offset
}

// GetBuffer returns the buffer the view currently targets.
func (v *View) GetBuffer() *Buffer {
	buf, _ := v.ResolveDelegate()
	return buf
}

// GetOffset returns the view's absolute byte offset within GetBuffer().
func (v *View) GetOffset() uint64 {
	_, offset := v.ResolveDelegate()
	return offset
}

// Size returns the view's span length in bytes.
func (v *View) Size() uint64 {
	return v.size
}

// Lock resolves the view and locks the buffer it targets, re-resolving and
// retrying if a migration relinked the delegate in the window between
// resolving and acquiring the lock. It returns the buffer that ended up
// locked.
func (v *View) Lock() *Buffer {
	for {
		buf, _ := v.ResolveDelegate()
		buf.Lock()
		if still, _ := v.ResolveDelegate(); still == buf {
			return buf
		}
		buf.Unlock()
	}
}

// TryLock is the non-blocking form of Lock. It reports the buffer locked
// (nil on failure) and whether the lock was acquired.
func (v *View) TryLock() (*Buffer, bool) {
	buf, _ := v.ResolveDelegate()
	if !buf.TryLock() {
		return nil, false
	}
	if still, _ := v.ResolveDelegate(); still != buf {
		buf.Unlock()
		return nil, false
	}
	return buf, true
}

// LockWithTag is the tagged form of Lock.
func (v *View) LockWithTag(tag ContextTag) (*Buffer, bool) {
	for {
		buf, _ := v.ResolveDelegate()
		fresh := buf.LockWithTag(tag)
		if still, _ := v.ResolveDelegate(); still == buf {
			return buf, fresh
		}
		if fresh {
			buf.Unlock()
		}
	}
}

// Read copies the view's span out of whichever buffer it currently
// targets. len(data) must not exceed the view's size.
func (v *View) Read(isFirstUsage bool, flushHostCallback func(), data []byte) {
	buf, offset := v.ResolveDelegate()
	buf.Read(isFirstUsage, flushHostCallback, data, offset)
}

// Write writes data into the view's span on whichever buffer it currently
// targets. len(data) must not exceed the view's size.
func (v *View) Write(isFirstUsage bool, flushHostCallback func(), data []byte, gpuCopyCallback func()) bool {
	buf, offset := v.ResolveDelegate()
	return buf.Write(isFirstUsage, flushHostCallback, data, offset, gpuCopyCallback)
}

// GetReadOnlyBackingSpan returns the view's span of
// Buffer.GetReadOnlyBackingSpan on whichever buffer it currently targets:
// the mirror (pulled up to date first if GpuDirty) for a guest-backed
// buffer, the backing for a host-only one.
func (v *View) GetReadOnlyBackingSpan(isFirstUsage bool, flushHostCallback func()) []byte {
	buf, offset := v.ResolveDelegate()
	full := buf.GetReadOnlyBackingSpan(isFirstUsage, flushHostCallback)
	return full[offset : offset+v.size]
}

// TryMegaBuffer attempts to serve the view out of its buffer's megabuffer
// table instead of binding the backing directly. It returns a zero Binding
// when megabuffering isn't available for this request right now.
func (v *View) TryMegaBuffer(cycle fence.Cycle, allocator megaring.Allocator, executionNumber uint64) megaring.Binding {
	buf, offset := v.ResolveDelegate()
	return buf.megaTable.TryMegaBufferView(buf, cycle, allocator, executionNumber, offset, v.size)
}

// AcquireMegaBuffer returns a binding for the view's span, preferring a
// cached or freshly staged megabuffer allocation but always falling back to
// binding the buffer's own backing directly so callers always get
// something bindable.
func (v *View) AcquireMegaBuffer(cycle fence.Cycle, allocator megaring.Allocator, executionNumber uint64) megaring.Binding {
	if binding := v.TryMegaBuffer(cycle, allocator, executionNumber); binding.Valid() {
		return binding
	}
	buf, offset := v.ResolveDelegate()
	backing := buf.GetBacking()
	return megaring.Binding{Buffer: backing.VkBuffer, Offset: offset, Size: v.size}
}
