package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewReadWriteRoundTrip(t *testing.T) {
	b, err := NewHostOnlyBuffer(fakeAllocator{}, 64, 1)
	require.NoError(t, err)

	v := b.GetView(16, 8)
	require.True(t, v.Valid())

	v.Write(true, nil, []byte("abcdefgh"), nil)
	out := make([]byte, 8)
	v.Read(true, nil, out)
	assert.Equal(t, "abcdefgh", string(out))

	// Bytes outside the view must be untouched.
	assert.Equal(t, byte(0), b.backing.Data[0])
	assert.Equal(t, byte(0), b.backing.Data[24])
}

func TestViewFollowsBufferMigration(t *testing.T) {
	a, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)
	dest, err := NewHostOnlyBuffer(fakeAllocator{}, 64, 2)
	require.NoError(t, err)

	v := a.GetView(0, 16)
	require.Equal(t, a, v.GetBuffer())

	a.delegate.Link(dest.delegate, 32)

	assert.Equal(t, dest, v.GetBuffer())
	assert.Equal(t, uint64(32), v.GetOffset())

	v.Write(true, nil, []byte("0123456789012345"), nil)
	assert.Equal(t, byte('0'), dest.backing.Data[32])
}

func TestViewResolveDelegateFlattensMultiHopChain(t *testing.T) {
	a, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)
	b, err := NewHostOnlyBuffer(fakeAllocator{}, 64, 2)
	require.NoError(t, err)
	c, err := NewHostOnlyBuffer(fakeAllocator{}, 128, 3)
	require.NoError(t, err)

	a.delegate.Link(b.delegate, 10)
	b.delegate.Link(c.delegate, 20)

	v := a.GetView(5, 8)

	buf, offset := v.ResolveDelegate()
	assert.Equal(t, c, buf)
	assert.Equal(t, uint64(35), offset) // 5 (view) + 10 (a->b) + 20 (b->c)

	// The first resolve must have rewritten the view to point directly at
	// c's delegate with the accumulated offset, so a second resolve is a
	// single hop rather than a walk through a and b again.
	assert.Same(t, c.delegate, v.delegate)
	assert.Equal(t, uint64(35), v.offset)

	buf, offset = v.ResolveDelegate()
	assert.Equal(t, c, buf)
	assert.Equal(t, uint64(35), offset)
}

func TestViewLockLocksWhicheverBufferItCurrentlyTargets(t *testing.T) {
	a, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)
	dest, err := NewHostOnlyBuffer(fakeAllocator{}, 64, 2)
	require.NoError(t, err)
	a.delegate.Link(dest.delegate, 0)

	v := a.GetView(0, 16)
	locked := v.Lock()
	assert.Equal(t, dest, locked)
	locked.Unlock()
}

func TestViewAcquireMegaBufferFallsBackToBacking(t *testing.T) {
	b, err := NewHostOnlyBuffer(fakeAllocator{}, MegaBufferingDisableThreshold*2, 1)
	require.NoError(t, err)
	for b.sequenceNumber < FrequentlySyncedThreshold {
		b.AdvanceSequence()
	}

	ring := &fakeRingAllocator{}
	cycle := newTestCycle()

	// A size over the disable threshold always misses the table, so
	// AcquireMegaBuffer must fall back to the backing directly.
	v2 := b.GetView(0, MegaBufferingDisableThreshold+1)
	binding := v2.AcquireMegaBuffer(cycle, ring, 1)
	assert.True(t, binding.Valid())
	assert.Equal(t, b.backing.VkBuffer, binding.Buffer)

	v := b.GetView(0, 8)
	binding = v.AcquireMegaBuffer(cycle, ring, 1)
	assert.True(t, binding.Valid())
	assert.Equal(t, 1, ring.pushes)
}
