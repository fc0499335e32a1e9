package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirtyStateString(t *testing.T) {
	assert.Equal(t, "Clean", Clean.String())
	assert.Equal(t, "CpuDirty", CpuDirty.String())
	assert.Equal(t, "GpuDirty", GpuDirty.String())
	assert.Equal(t, "DirtyState(?)", DirtyState(99).String())
}

func TestTagAllocatorNeverRepeats(t *testing.T) {
	var alloc TagAllocator
	seen := make(map[ContextTag]bool)
	for i := 0; i < 1000; i++ {
		tag := alloc.NewTag()
		assert.NotEqual(t, NoTag, tag)
		assert.False(t, seen[tag])
		seen[tag] = true
	}
}

func TestIDRegistryNeverRepeats(t *testing.T) {
	var reg IDRegistry
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := reg.NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
