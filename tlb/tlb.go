// Package tlb implements the TLB controller: round-robin victim selection
// over a small fixed-size software-managed TLB (spec.md §4.2). The actual
// CPU instructions that read/write TLB slots are the out-of-scope Device
// collaborator (spec.md §6); SimDevice provides an in-memory stand-in so the
// controller is fully testable without real hardware.
package tlb

import (
	"sync"

	"vmkern/irq"
	"vmkern/ram"
	"vmkern/vmstats"
)

// NumTLB is the number of hardware TLB slots, matching spec.md's NUM_TLB.
const NumTLB = 64

// PageFrame masks a virtual or physical address down to its page number,
// matching spec.md's PAGE_FRAME.
const PageFrame = ^uint64(ram.PageSize - 1)

// Low-word flag bits, analogous to the MIPS TLBLO_VALID/TLBLO_DIRTY bits
// named in spec.md §6. Physical addresses are page-aligned, so these low
// bits never collide with address bits.
const (
	LoValid uint64 = 1 << 0
	LoDirty uint64 = 1 << 1
)

// Device is the out-of-scope low-level TLB collaborator: tlb_read/tlb_write.
type Device interface {
	Read(slot int) (hi, lo uint64)
	Write(hi, lo uint64, slot int)
	NumSlots() int
}

// SimDevice is an in-memory Device for tests and for embedders without real
// hardware TLB instructions to bind to.
type SimDevice struct {
	mu  sync.Mutex
	hi  [NumTLB]uint64
	lo  [NumTLB]uint64
}

// NewSimDevice returns a SimDevice with every slot invalidated.
func NewSimDevice() *SimDevice {
	d := &SimDevice{}
	for i := range d.hi {
		d.hi[i] = hiInvalid(i)
		d.lo[i] = 0
	}
	return d
}

func hiInvalid(slot int) uint64 {
	// A hi tag that can never equal a real page-aligned vaddr: all the low
	// bits that PageFrame masks to zero in any legitimate virtual address
	// are set. ORing in the slot index leaves those bits unchanged, so every
	// slot below the page size gets the same tag.
	return ^PageFrame | uint64(slot)
}

// Read implements Device.
func (d *SimDevice) Read(slot int) (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hi[slot], d.lo[slot]
}

// Write implements Device.
func (d *SimDevice) Write(hi, lo uint64, slot int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hi[slot] = hi
	d.lo[slot] = lo
}

// NumSlots implements Device.
func (d *SimDevice) NumSlots() int {
	return NumTLB
}

// Controller is the round-robin TLB replacement policy described in
// spec.md §4.2, driving an arbitrary Device.
type Controller struct {
	mu            sync.Mutex
	dev           Device
	currentVictim int
	stats         *vmstats.Stats
}

// NewController wraps dev with the round-robin replacement policy. stats may
// be nil in tests that don't care about counters.
func NewController(dev Device, stats *vmstats.Stats) *Controller {
	return &Controller{dev: dev, stats: stats}
}

// InvalidateAll marks every TLB slot invalid and increments TLBInvalidation
// once. Called on every address-space activation.
func (c *Controller) InvalidateAll() {
	irq.Mask()
	defer irq.Unmask()

	c.mu.Lock()
	for i := 0; i < c.dev.NumSlots(); i++ {
		c.dev.Write(hiInvalid(i), 0, i)
	}
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.Increment(vmstats.TLBInvalidation)
	}
}

// ResetVictim sets the round-robin cursor back to slot 0. Called once at
// boot.
func (c *Controller) ResetVictim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentVictim = 0
}

// PeekVictim returns the low word of the entry currently occupying the
// victim slot, without advancing the policy, so the caller can inspect the
// VALID bit with Valid. The hi word is not returned.
func (c *Controller) PeekVictim() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, lo := c.dev.Read(c.currentVictim)
	return lo
}

// Valid reports whether a peeked low word has its VALID bit set.
func Valid(lo uint64) bool {
	return lo&LoValid != 0
}

// Write installs (vaddr, paddr, writable) into the current round-robin
// victim slot and advances the cursor, with interrupts masked for the
// duration of the TLB write as required by spec.md §5.
func (c *Controller) Write(vaddr, paddr uint64, writable bool) {
	irq.Mask()
	defer irq.Unmask()

	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.currentVictim
	c.currentVictim = (c.currentVictim + 1) % c.dev.NumSlots()

	hi := vaddr & PageFrame
	lo := (paddr &^ (ram.PageSize - 1)) | LoValid
	if writable {
		lo |= LoDirty
	}
	c.dev.Write(hi, lo, index)
}

// InstallMapping is the fault handler's single entry point into the TLB:
// under one masked, locked section it increments TLB_MISS, classifies the
// current victim (TLB_MISS_REPLACE if its VALID bit is set, else
// TLB_MISS_FREE), writes (vaddr, paddr, writable) into it, and advances
// the round-robin cursor — spec.md §4.8 step 6, done atomically so the
// peek-then-write can't race against a concurrent fault on another CPU.
func (c *Controller) InstallMapping(vaddr, paddr uint64, writable bool) {
	irq.Mask()
	defer irq.Unmask()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stats != nil {
		c.stats.Increment(vmstats.TLBMiss)
	}

	index := c.currentVictim
	_, lo := c.dev.Read(index)
	if c.stats != nil {
		if Valid(lo) {
			c.stats.Increment(vmstats.TLBMissReplace)
		} else {
			c.stats.Increment(vmstats.TLBMissFree)
		}
	}

	c.currentVictim = (index + 1) % c.dev.NumSlots()

	hi := vaddr & PageFrame
	newLo := (paddr &^ (ram.PageSize - 1)) | LoValid
	if writable {
		newLo |= LoDirty
	}
	c.dev.Write(hi, newLo, index)
}

// CurrentVictim reports the slot the next Write will land in, for tests
// asserting the round-robin sequence and for invariant P5
// (current_victim ∈ [0, NumTLB)).
func (c *Controller) CurrentVictim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentVictim
}
