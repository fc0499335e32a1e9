package buffer

import (
	"sync"

	"github.com/hostgpu/coherency/fence"
	"github.com/hostgpu/coherency/guestmem"
	"github.com/hostgpu/coherency/hostmem"
	"github.com/hostgpu/coherency/megaring"
)

// fakeAllocator is a hostmem.Allocator that hands out plain heap-backed
// slices, good enough to exercise the coherency logic without a real
// graphics device.
type fakeAllocator struct{}

func (fakeAllocator) AllocateBuffer(size uint64) (hostmem.Backing, error) {
	return hostmem.Backing{Data: make([]byte, size)}, nil
}

// fakeMapper is a guestmem.Mapper that tracks trap arming/disarming and
// mirror creation without any real page-fault machinery, so buffer tests
// can drive the read/write trap callbacks directly.
type fakeMapper struct {
	mu sync.Mutex

	nextHandle guestmem.TrapHandle
	traps      map[guestmem.TrapHandle]*fakeTrap

	pageOutCalls int
	deleteCalls  int

	// onTrapRegions, if set, is invoked synchronously from TrapRegions
	// before it takes effect, letting a test observe buffer state at the
	// exact moment the trap is (re)armed.
	onTrapRegions func(writeOnly bool)
}

type fakeTrap struct {
	preempt   guestmem.PreemptCallback
	readTrap  guestmem.FaultCallback
	writeTrap guestmem.FaultCallback

	writeOnly bool
	armed     bool
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{traps: make(map[guestmem.TrapHandle]*fakeTrap)}
}

func (m *fakeMapper) CreateMirror(span []byte) ([]byte, error) {
	return make([]byte, len(span)), nil
}

func (m *fakeMapper) CreateTrap(guestSpan []byte, preempt guestmem.PreemptCallback, readTrap, writeTrap guestmem.FaultCallback) (guestmem.TrapHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	handle := m.nextHandle
	m.traps[handle] = &fakeTrap{preempt: preempt, readTrap: readTrap, writeTrap: writeTrap, armed: true}
	return handle, nil
}

func (m *fakeMapper) TrapRegions(handle guestmem.TrapHandle, writeOnly bool) error {
	if m.onTrapRegions != nil {
		m.onTrapRegions(writeOnly)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.traps[handle]; ok {
		t.armed = true
		t.writeOnly = writeOnly
	}
	return nil
}

func (m *fakeMapper) PageOutRegions(handle guestmem.TrapHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageOutCalls++
	return nil
}

func (m *fakeMapper) DeleteTrap(handle guestmem.TrapHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	delete(m.traps, handle)
	return nil
}

// fireWriteTrap invokes the write-fault callback installed for handle, as if
// the guest CPU had just faulted on a write.
func (m *fakeMapper) fireWriteTrap(handle guestmem.TrapHandle) bool {
	m.mu.Lock()
	t := m.traps[handle]
	m.mu.Unlock()
	return t.writeTrap()
}

// fireReadTrap invokes the read-fault callback installed for handle.
func (m *fakeMapper) fireReadTrap(handle guestmem.TrapHandle) bool {
	m.mu.Lock()
	t := m.traps[handle]
	m.mu.Unlock()
	return t.readTrap()
}

// fakeRingAllocator is a megaring.Allocator that copies pushed data into a
// freshly allocated slice, standing in for a real GPU upload ring.
type fakeRingAllocator struct {
	mu     sync.Mutex
	pushes int
}

func (a *fakeRingAllocator) Push(cycle fence.Cycle, data []byte, cacheable bool) (megaring.Allocation, error) {
	a.mu.Lock()
	a.pushes++
	a.mu.Unlock()
	staged := make([]byte, len(data))
	copy(staged, data)
	return megaring.Allocation{Buffer: staged, Offset: 0, Size: uint64(len(staged))}, nil
}

// testCycle is a minimal fence.Cycle a test can signal by hand, without
// pulling in a goroutine the way fence.VulkanCycle's Latch would need.
type testCycle struct {
	mu        sync.Mutex
	signalled bool
	prev      fence.Cycle
}

func newTestCycle() *testCycle {
	return &testCycle{}
}

func (c *testCycle) signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalled = true
}

func (c *testCycle) Wait() {
	for !c.Poll() {
	}
}

func (c *testCycle) Poll() bool {
	if c.prev != nil && !c.prev.Poll() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalled
}

func (c *testCycle) ChainCycle(old fence.Cycle) {
	c.prev = old
}
