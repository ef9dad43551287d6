// Package coremap implements the physical-frame registry from spec.md
// §4.6: a per-frame state array plus a FIFO eviction queue over USER
// frames. It is the component most exposed to concurrent kernel and user
// allocation paths, so every mutation to the frame array or the FIFO
// sentinels happens under one of three short-held locks (coremapLock,
// stealLock, replacementLock — spec.md §5), matching the original's lock
// granularity rather than collapsing everything behind a single mutex.
package coremap

import (
	"context"
	"sync"

	"vmkern/ram"
	"vmkern/swapstore"
	"vmkern/vmbounds"
	"vmkern/vmres"
	"vmkern/vmstats"
)

type frameState int

const (
	untracked frameState = iota
	freed
	kernel
	user
)

// Owner lets the coremap mark a victim's page-table entry SWAPPED during
// eviction without importing addrspace/segment — avoiding the import
// cycle those packages would otherwise need to allocate frames from here.
// This call is the fix for the source's eviction path, which computed the
// victim's new swap offset but left a comment in place of the page-table
// update, so the victim's entry stayed RESIDENT pointing at a frame the
// coremap had already reassigned (spec.md's "probable source bug": a
// commented-out seg_swap_out call).
type Owner interface {
	SwapOutPage(vaddr uintptr, offset int64)
}

// entry is one physical frame's bookkeeping.
type entry struct {
	state          frameState
	allocationSize int // frames in the block; meaningful only on the first frame
	vaddr          uintptr
	owner          Owner
	prev, next     int // FIFO links; invalidRef sentinel if none
}

// Coremap is the physical-frame allocator.
type Coremap struct {
	coremapLock     sync.Mutex
	stealLock       sync.Mutex
	replacementLock sync.Mutex

	entries    []entry
	invalidRef int
	head, tail int // FIFO sentinels over USER frames

	ram    ram.Controller
	store  *swapstore.Store
	stats  *vmstats.Stats
	active bool
}

// Init queries ramCtl's total size, allocates one entry per frame (all
// UNTRACKED), and leaves the frames ramCtl has already pre-claimed for
// boot-time allocations UNTRACKED forever — they predate the coremap and
// must never be handed out nor evicted (spec.md §4.6).
func Init(ramCtl ram.Controller, store *swapstore.Store, stats *vmstats.Stats) *Coremap {
	f := ramCtl.Size() / ram.PageSize
	c := &Coremap{
		entries:    make([]entry, f),
		invalidRef: f,
		ram:        ramCtl,
		store:      store,
		stats:      stats,
		active:     true,
	}
	c.head = c.invalidRef
	c.tail = c.invalidRef

	if a, ok := ramCtl.(interface{ Reserved() uintptr }); ok {
		reservedFrames := int(a.Reserved() / ram.PageSize)
		for i := 0; i < reservedFrames && i < f; i++ {
			c.entries[i].state = untracked
		}
	}
	return c
}

func frameOf(paddr uintptr) int {
	return int(paddr / ram.PageSize)
}

// scanFreedRun finds n contiguous FREED frames, under coremapLock.
func (c *Coremap) scanFreedRun(n int) (base int, ok bool) {
	g := vmres.NewGate(vmbounds.CoremapScanFree)
	run := 0
	for i := 0; i < len(c.entries); i++ {
		if !g.Next() {
			g.Exhausted()
		}
		if c.entries[i].state == freed {
			run++
			if run == n {
				return i - n + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// AllocKpages allocates n contiguous kernel frames and returns their base
// address (treated as directly usable, since this simulated machine has
// no separate kernel virtual-address window: physical memory is byte
// addressable by the ram.Controller directly).
func (c *Coremap) AllocKpages(n int) (base uintptr, ok bool) {
	vmres.AssertCanSleep("coremap.AllocKpages")

	c.coremapLock.Lock()
	if start, found := c.scanFreedRun(n); found {
		for i := start; i < start+n; i++ {
			c.entries[i].state = kernel
		}
		c.entries[start].allocationSize = n
		c.coremapLock.Unlock()
		return uintptr(start) * ram.PageSize, true
	}
	c.coremapLock.Unlock()

	c.stealLock.Lock()
	base, stole := c.ram.StealFrames(n)
	c.stealLock.Unlock()
	if !stole {
		return 0, false
	}

	start := frameOf(base)
	c.coremapLock.Lock()
	g := vmres.NewGate(vmbounds.CoremapFreeKernel)
	for i := start; i < start+n; i++ {
		if !g.Next() {
			g.Exhausted()
		}
		c.entries[i].state = kernel
	}
	c.entries[start].allocationSize = n
	c.coremapLock.Unlock()
	return base, true
}

// FreeKpages frees the n-frame kernel block starting at kvaddr, n being
// whatever AllocKpages recorded on the first frame.
func (c *Coremap) FreeKpages(kvaddr uintptr) {
	start := frameOf(kvaddr)

	c.coremapLock.Lock()
	defer c.coremapLock.Unlock()

	n := c.entries[start].allocationSize
	if n <= 0 {
		panic("coremap: FreeKpages on an address that isn't a block head")
	}
	g := vmres.NewGate(vmbounds.CoremapFreeKernel)
	for i := start; i < start+n; i++ {
		if !g.Next() {
			g.Exhausted()
		}
		c.entries[i].state = freed
		c.entries[i].owner = nil
		c.entries[i].vaddr = 0
	}
	c.entries[start].allocationSize = 0
}

// fifoUnlink removes frame i from the FIFO, fixing head/tail. Caller holds
// replacementLock.
func (c *Coremap) fifoUnlink(i int) {
	e := &c.entries[i]
	if e.prev != c.invalidRef {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != c.invalidRef {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = c.invalidRef, c.invalidRef
}

// fifoAppend adds frame i to the FIFO tail. Caller holds replacementLock.
func (c *Coremap) fifoAppend(i int) {
	e := &c.entries[i]
	e.next = c.invalidRef
	e.prev = c.tail
	if c.tail != c.invalidRef {
		c.entries[c.tail].next = i
	} else {
		c.head = i
	}
	c.tail = i
}

// AllocUserPage allocates exactly one USER frame for vaddr, owned by
// owner, evicting the FIFO head if no FREED frame and no fresh RAM is
// available (spec.md §4.6 steps 1-5). Eviction may block inside the swap
// store, so this path asserts can-sleep up front even on the common case
// that never reaches it.
func (c *Coremap) AllocUserPage(ctx context.Context, vaddr uintptr, owner Owner) (paddr uintptr, err error) {
	if vaddr%ram.PageSize != 0 {
		panic("coremap: AllocUserPage requires a page-aligned vaddr")
	}
	vmres.AssertCanSleep("coremap.AllocUserPage")

	c.coremapLock.Lock()
	if start, found := c.scanFreedRun(1); found {
		c.entries[start].state = user
		c.entries[start].allocationSize = 1
		c.entries[start].vaddr = vaddr
		c.entries[start].owner = owner
		c.coremapLock.Unlock()

		c.replacementLock.Lock()
		c.fifoAppend(start)
		c.replacementLock.Unlock()
		return uintptr(start) * ram.PageSize, nil
	}
	c.coremapLock.Unlock()

	c.stealLock.Lock()
	base, stole := c.ram.StealFrames(1)
	c.stealLock.Unlock()
	if stole {
		start := frameOf(base)
		c.coremapLock.Lock()
		c.entries[start].state = user
		c.entries[start].allocationSize = 1
		c.entries[start].vaddr = vaddr
		c.entries[start].owner = owner
		c.coremapLock.Unlock()

		c.replacementLock.Lock()
		c.fifoAppend(start)
		c.replacementLock.Unlock()
		return base, nil
	}

	return c.evictAndReassign(ctx, vaddr, owner)
}

// evictAndReassign implements step 4 of spec.md §4.6: the two-phase
// replacementLock → coremapLock → replacementLock eviction pattern. The
// victim's owner is notified via Owner.SwapOutPage so its page-table entry
// is flipped to SWAPPED before the frame is reassigned — the fix for the
// source's missing page-table update on eviction.
func (c *Coremap) evictAndReassign(ctx context.Context, vaddr uintptr, newOwner Owner) (uintptr, error) {
	c.replacementLock.Lock()
	victim := c.head
	if victim == c.invalidRef {
		c.replacementLock.Unlock()
		panic("coremap: eviction requested with an empty USER FIFO")
	}
	c.replacementLock.Unlock()

	c.coremapLock.Lock()
	victimPaddr := uintptr(victim) * ram.PageSize
	victimVaddr := c.entries[victim].vaddr
	victimOwner := c.entries[victim].owner
	c.coremapLock.Unlock()

	page := c.ram.Bytes(victimPaddr, ram.PageSize)
	offset, err := c.store.Out(ctx, page)
	if err != nil {
		return 0, err
	}

	victimOwner.SwapOutPage(victimVaddr, offset)

	c.coremapLock.Lock()
	c.entries[victim].vaddr = vaddr
	c.entries[victim].owner = newOwner
	c.coremapLock.Unlock()

	c.replacementLock.Lock()
	c.fifoUnlink(victim)
	c.fifoAppend(victim)
	c.replacementLock.Unlock()

	return victimPaddr, nil
}

// FreeUserPage unlinks paddr's frame from the FIFO and marks it FREED.
func (c *Coremap) FreeUserPage(paddr uintptr) {
	i := frameOf(paddr)

	c.replacementLock.Lock()
	c.fifoUnlink(i)
	c.replacementLock.Unlock()

	c.coremapLock.Lock()
	c.entries[i].state = freed
	c.entries[i].allocationSize = 0
	c.entries[i].owner = nil
	c.entries[i].vaddr = 0
	c.coremapLock.Unlock()
}

// FIFOOrder returns the physical addresses of USER frames from the FIFO
// head to tail, for property tests (P3: FIFO contains exactly USER
// frames in allocation/reassignment order).
func (c *Coremap) FIFOOrder() []uintptr {
	c.replacementLock.Lock()
	defer c.replacementLock.Unlock()

	var out []uintptr
	g := vmres.NewGate(vmbounds.CoremapScanFree)
	for i := c.head; i != c.invalidRef; i = c.entries[i].next {
		if !g.Next() {
			g.Exhausted()
		}
		out = append(out, uintptr(i)*ram.PageSize)
	}
	return out
}

// Shutdown marks the coremap inactive. There is no separate backing
// allocation to release in this hosted simulation; the ram.Controller's
// lifetime is the embedder's responsibility.
func (c *Coremap) Shutdown() {
	c.coremapLock.Lock()
	c.active = false
	c.coremapLock.Unlock()
}
