package fence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVulkanCycleSignalWaitPoll(t *testing.T) {
	c := NewVulkanCycle()
	assert.False(t, c.Poll())

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	c.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}
	assert.True(t, c.Poll())
}

func TestVulkanCycleChainCycleWaitsOnBoth(t *testing.T) {
	older := NewVulkanCycle()
	newer := NewVulkanCycle()
	newer.ChainCycle(older)

	require.False(t, newer.Poll())

	newer.Signal()
	require.False(t, newer.Poll(), "newer is signalled but older isn't, so the chain isn't done")

	older.Signal()
	assert.True(t, newer.Poll())

	done := make(chan struct{})
	go func() {
		newer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return once both cycles were signalled")
	}
}

func TestVulkanCycleChainCycleNilIsNoop(t *testing.T) {
	c := NewVulkanCycle()
	c.ChainCycle(nil)
	c.Signal()
	assert.True(t, c.Poll())
}

func TestVulkanCycleDoubleChainWaitsOnAll(t *testing.T) {
	a := NewVulkanCycle()
	b := NewVulkanCycle()
	c := NewVulkanCycle()
	c.ChainCycle(a)
	c.ChainCycle(b)

	c.Signal()
	a.Signal()
	assert.False(t, c.Poll(), "b hasn't signalled yet")

	b.Signal()
	assert.True(t, c.Poll())
}
