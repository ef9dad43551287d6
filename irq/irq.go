// Package irq simulates the interrupt-priority primitives the teaching
// kernel's TLB writes are raised under (raise IPL / restore IPL). This
// module runs as a hosted Go process rather than on bare metal, so there is
// no real interrupt controller to mask; instead Mask/Unmask record, with a
// process-wide counter, that the caller is in the equivalent of a
// spl-raised window, which vmres uses to enforce the "must not sleep while
// interrupts are masked" rule from the concurrency model.
package irq

import "sync/atomic"

var masked int32

// Mask raises interrupt priority. Callers must pair every Mask with an
// Unmask, typically via defer, and must not block while masked.
func Mask() {
	atomic.AddInt32(&masked, 1)
}

// Unmask restores interrupt priority.
func Unmask() {
	if atomic.AddInt32(&masked, -1) < 0 {
		panic("irq: unbalanced Unmask")
	}
}

// Masked reports whether the calling goroutine's logical thread is
// currently inside a Mask/Unmask window. This is process-wide rather than
// goroutine-local, matching the single TLB-write critical section this
// module actually needs it for.
func Masked() bool {
	return atomic.LoadInt32(&masked) > 0
}
