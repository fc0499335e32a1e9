package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockWithTagReentrancy(t *testing.T) {
	b, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)

	tag := ContextTag(42)
	fresh := b.LockWithTag(tag)
	assert.True(t, fresh, "first acquisition under a tag must be fresh")

	fresh = b.LockWithTag(tag)
	assert.False(t, fresh, "re-entering under the same tag must not re-lock")

	b.Unlock()

	fresh = b.LockWithTag(tag)
	assert.True(t, fresh, "the tag must not survive an Unlock")
	b.Unlock()
}

func TestLockWithTagNoTagNeverMatches(t *testing.T) {
	b, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	b.LockWithTag(NoTag)
	go func() {
		b.LockWithTag(NoTag) // would deadlock if this incorrectly took the fast path
		close(done)
		b.Unlock()
	}()
	b.Unlock()
	<-done
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	b, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)

	b.Lock()
	assert.False(t, b.TryLock())
	b.Unlock()
	assert.True(t, b.TryLock())
	b.Unlock()
}

func TestUnlockResetsBackingImmutability(t *testing.T) {
	b, err := NewHostOnlyBuffer(fakeAllocator{}, 16, 1)
	require.NoError(t, err)

	b.Lock()
	b.BlockAllCpuBackingWrites()
	assert.True(t, b.AllCpuBackingWritesBlocked())
	b.Unlock()

	assert.False(t, b.AllCpuBackingWritesBlocked(), "the immutability promise must not survive past the lock scope")
}
