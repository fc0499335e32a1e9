// Package fence defines the Cycle interface the coherency core uses to track
// completion of GPU work, plus a reference implementation backed by a latch
// rather than a real Vulkan fence (for tests, and for callers that have not
// wired up a live GPU backend yet).
package fence

import (
	"github.com/hostgpu/coherency/types/xsync"
)

// Cycle is an opaque handle to a GPU completion signal: a "fence cycle" in
// the terminology this package's callers use. It is signalled exactly once,
// after which Wait returns immediately and Poll always reports true.
type Cycle interface {
	// Wait blocks until the cycle is signalled.
	Wait()

	// Poll reports whether the cycle has been signalled, without blocking.
	Poll() bool

	// ChainCycle links an older cycle so that waiting on this one
	// transitively waits on the one it superseded. Chaining an already
	// signalled cycle is a no-op.
	ChainCycle(old Cycle)
}

// VulkanCycle is a Cycle implementation backed by a Latch instead of a real
// vk.Fence. Signal is called by whatever is responsible for observing actual
// GPU completion (a submission thread, a polling loop, or a test).
//
// The zero value is not usable; construct with NewVulkanCycle.
type VulkanCycle struct {
	latch *xsync.Latch
	prev  Cycle
}

// NewVulkanCycle returns a new, unsignalled cycle.
func NewVulkanCycle() *VulkanCycle {
	return &VulkanCycle{latch: xsync.NewLatch()}
}

// Signal marks the cycle as completed. Idempotent.
func (c *VulkanCycle) Signal() {
	c.latch.Trigger()
}

// Wait implements Cycle.
func (c *VulkanCycle) Wait() {
	if c.prev != nil {
		c.prev.Wait()
	}
	c.latch.Wait()
}

// Poll implements Cycle.
func (c *VulkanCycle) Poll() bool {
	if c.prev != nil && !c.prev.Poll() {
		return false
	}
	return c.latch.Test()
}

// ChainCycle implements Cycle.
func (c *VulkanCycle) ChainCycle(old Cycle) {
	if old == nil {
		return
	}
	if c.prev == nil {
		c.prev = old
		return
	}
	// Already chained to something; extend the chain so both are waited.
	c.prev = &chainedPair{a: c.prev, b: old}
}

// chainedPair waits on both members before reporting signalled, used when
// ChainCycle is called more than once on the same VulkanCycle.
type chainedPair struct {
	a, b Cycle
}

func (p *chainedPair) Wait() {
	p.a.Wait()
	p.b.Wait()
}

func (p *chainedPair) Poll() bool {
	return p.a.Poll() && p.b.Poll()
}

func (p *chainedPair) ChainCycle(Cycle) {
	// chainedPair is an internal fan-in node; further chaining attaches to
	// the VulkanCycle that owns it, never to the pair directly.
}
