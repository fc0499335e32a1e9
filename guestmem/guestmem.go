// Package guestmem defines the interface the coherency core uses to talk to
// the CPU memory-protection facility ("NCE" in the source system this was
// distilled from): mirror mappings over guest physical pages, and
// page-fault-driven read/write traps.
package guestmem

// TrapHandle identifies an installed set of page-fault callbacks for a guest
// span. It is opaque to the core; it is only ever passed back to Mapper.
type TrapHandle uint64

// NoTrap is the zero value of TrapHandle, meaning "no trap installed".
const NoTrap TrapHandle = 0

// PreemptCallback runs synchronously on the faulting guest thread before any
// guest mutation of the trapped region is allowed to proceed. It has no
// return value: it either stalls the guest thread (by blocking) or returns
// immediately.
type PreemptCallback func()

// FaultCallback runs on the faulting guest thread in response to a guest
// read or write respectively. It returns true if the fault was handled and
// the guest access may proceed, or false to ask the trap facility to retry
// later (used when a required lock could not be acquired without blocking).
type FaultCallback func() bool

// Mapper is the guest memory / page-fault facility the coherency core relies
// on to mirror a guest span on the CPU and to be notified of guest accesses.
type Mapper interface {
	// CreateMirror returns a host virtual-address mapping that aliases the
	// same physical pages as span. span must be page-aligned.
	CreateMirror(span []byte) ([]byte, error)

	// CreateTrap installs the three page-fault callbacks over guestSpan and
	// returns a handle used to (re)arm or remove them later.
	CreateTrap(guestSpan []byte, preempt PreemptCallback, readTrap, writeTrap FaultCallback) (TrapHandle, error)

	// TrapRegions (re)arms protection for handle. If writeOnly is true, only
	// write accesses are trapped; reads are left unprotected.
	TrapRegions(handle TrapHandle, writeOnly bool) error

	// PageOutRegions releases the guest physical pages backing handle,
	// without removing the trap itself.
	PageOutRegions(handle TrapHandle) error

	// DeleteTrap removes protection and callbacks for handle. handle must
	// not be used again afterwards.
	DeleteTrap(handle TrapHandle) error
}
