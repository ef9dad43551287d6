// Package vmres enforces the two resource-discipline rules the concurrency
// model in spec.md §5 states in prose: operations that may perform blocking
// I/O must assert they are not called with interrupts masked, and scans over
// config-sized structures (the coremap, the swap bitmap) must not spin
// forever. Grounded on the teaching kernel's bounds/res pairing, which gates
// every potentially long-running kernel loop the same way.
package vmres

import (
	"fmt"

	"vmkern/irq"
	"vmkern/vmbounds"
)

// MaxIterations bounds any scan gated by a Gate. It is far larger than any
// realistic coremap or swap bitmap so it only trips on a broken invariant
// (e.g. a FIFO list with a cycle), not on legitimate load.
const MaxIterations = 1 << 24

// AssertCanSleep panics if the caller is inside an irq.Mask/Unmask window.
// alloc_kpages and the user-allocation-with-eviction path (which may block
// inside swap_out) must call this before doing anything that can suspend.
func AssertCanSleep(where string) {
	if irq.Masked() {
		panic("vmres: " + where + " may sleep but interrupts are masked")
	}
}

// Gate bounds the iterations of a single scan. Construct one per scan, call
// Next at the top of the loop body, and abort the scan (treating it as "not
// found") if Next returns false.
type Gate struct {
	cp vmbounds.Checkpoint
	n  int
}

// NewGate returns a Gate tagged with the checkpoint identifying the scan.
func NewGate(cp vmbounds.Checkpoint) *Gate {
	return &Gate{cp: cp}
}

// Next increments the iteration count and reports whether the caller may
// continue scanning.
func (g *Gate) Next() bool {
	g.n++
	return g.n <= MaxIterations
}

// Exhausted panics with the checkpoint's name; callers use this when hitting
// the bound indicates a broken invariant rather than a legitimate miss.
func (g *Gate) Exhausted() {
	panic(fmt.Sprintf("vmres: %s exceeded %d iterations", g.cp, MaxIterations))
}
