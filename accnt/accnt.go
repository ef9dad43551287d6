// Package accnt accumulates per-address-space accounting information: a
// nanosecond split between ordinary user execution and time spent
// inside the fault handler. This is purely additive instrumentation —
// no invariant in spec.md depends on it — grounded on the teaching
// kernel's accnt package, which accumulates the analogous user/system
// split for rusage reporting.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

/**
 * Accnt accumulates per-address-space accounting information.
 *
 * Both Userns and Faultns store durations in nanoseconds. The mutex
 * serializes Fetch and Add against each other; Utadd and Faultadd update
 * the fields atomically without taking it, so a Fetch that runs alongside
 * them may see one field updated and not the other.
 */
type Accnt struct {
	/// Nanoseconds of ordinary user execution.
	Userns int64
	/// Nanoseconds spent inside the fault handler servicing this address
	/// space's page faults.
	Faultns int64
	mu      sync.Mutex
}

/// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

/// Faultadd adds delta nanoseconds to the fault-time counter.
func (a *Accnt) Faultadd(delta int64) {
	atomic.AddInt64(&a.Faultns, delta)
}

/// Since records the elapsed time from start (a time.Now() reading taken
/// by the caller) as fault-handler time.
func (a *Accnt) Since(start time.Time) {
	a.Faultadd(int64(time.Since(start)))
}

/// Fetch returns a consistent (Userns, Faultns) snapshot.
func (a *Accnt) Fetch() (userns, faultns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Faultns)
}

/// Add merges another Accnt's counters into a.
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Faultns += atomic.LoadInt64(&n.Faultns)
}
