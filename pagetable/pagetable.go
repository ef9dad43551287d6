// Package pagetable implements the per-segment page table from spec.md
// §4.4: a flat array of tri-state entries (EMPTY / RESIDENT / SWAPPED),
// each entry packed into a single machine word the way the teaching
// kernel's pte_t packs a physical frame number and status bits into one
// uintptr. Frame and swap-slot release are expressed as injected
// interfaces rather than direct imports of coremap/swapstore, so this
// package has no dependency on either and cannot form an import cycle
// with the segment/addrspace layers that own those resources.
package pagetable

import (
	"fmt"

	"vmkern/ram"
)

// state occupies the low two bits of a packed entry.
type state uintptr

const (
	empty state = iota
	resident
	swapped
)

const stateBits = 2
const stateMask = uintptr(1)<<stateBits - 1

// entry packs a state into the low bits of a single uintptr and a payload
// into the bits above them: for RESIDENT the page-aligned physical byte
// address itself, for SWAPPED the swap byte offset shifted left by
// stateBits.
type entry uintptr

func makeEntry(st state, payload uintptr) entry {
	if payload&stateMask != 0 {
		panic("pagetable: payload overlaps state bits")
	}
	return entry(payload | uintptr(st))
}

func (e entry) state() state {
	return state(uintptr(e) & stateMask)
}

func (e entry) payload() uintptr {
	return uintptr(e) &^ stateMask
}

// FrameReleaser frees a physical frame previously handed to AddEntry. The
// coremap implements this; pagetable never imports coremap directly.
type FrameReleaser interface {
	FreeUserPage(paddr uintptr)
}

// SlotReleaser frees a swap slot previously returned by swapstore.Out. The
// swapstore package implements this; pagetable never imports swapstore
// directly.
type SlotReleaser interface {
	Free(offset int64)
}

// Table is one segment's page table: a flat array indexed by page number
// within the segment, exactly as spec.md §4.4 describes it ("an array,
// not a tree — this machine has no multi-level page table format").
type Table struct {
	entries []entry
}

// New returns a Table with numPages entries, all EMPTY.
func New(numPages int) *Table {
	return &Table{entries: make([]entry, numPages)}
}

// NumPages returns the number of entries.
func (t *Table) NumPages() int {
	return len(t.entries)
}

// GetEntry classifies page index pg: ok is false if pg is out of range.
// resident reports whether the page currently has a physical frame; if so
// paddr is that frame's base address. If not resident but previously
// swapped out, swapOffset carries its swap file offset (swapped reports
// this).
func (t *Table) GetEntry(pg int) (resident_, swapped_ bool, paddr uintptr, swapOffset int64, ok bool) {
	if pg < 0 || pg >= len(t.entries) {
		return false, false, 0, 0, false
	}
	e := t.entries[pg]
	switch e.state() {
	case empty:
		return false, false, 0, 0, true
	case resident:
		return true, false, e.payload(), 0, true
	case swapped:
		return false, true, 0, int64(e.payload() >> stateBits), true
	default:
		panic("pagetable: corrupt entry state")
	}
}

// AddEntry installs a RESIDENT mapping for page pg at physical frame
// paddr, which must be page-aligned. The entry must currently be EMPTY or
// SWAPPED; a RESIDENT slot is never silently overwritten. This is also
// used for swap-in (spec.md names swap_in as an alias of this same
// operation, since both just install a fresh resident mapping).
func (t *Table) AddEntry(pg int, paddr uintptr) {
	if paddr == 0 || paddr%ram.PageSize != 0 {
		panic("pagetable: paddr zero or not page-aligned")
	}
	if t.entries[pg].state() == resident {
		panic("pagetable: AddEntry would overwrite a RESIDENT entry")
	}
	t.entries[pg] = makeEntry(resident, paddr)
}

// SwapIn is an alias for AddEntry: installing a fresh resident mapping is
// the entirety of swap-in from the page table's point of view, the
// physical page's content having already been restored by the caller via
// swapstore.In.
func (t *Table) SwapIn(pg int, paddr uintptr) {
	t.AddEntry(pg, paddr)
}

// SwapOut transitions page pg from RESIDENT to SWAPPED, recording
// swapOffset as where its content now lives.
func (t *Table) SwapOut(pg int, swapOffset int64) {
	if swapOffset < 0 {
		panic("pagetable: negative swap offset")
	}
	if t.entries[pg].state() != resident {
		panic("pagetable: SwapOut requires a RESIDENT entry")
	}
	payload := uintptr(swapOffset) << stateBits
	if payload>>stateBits != uintptr(swapOffset) {
		panic("pagetable: swap offset overflow")
	}
	t.entries[pg] = makeEntry(swapped, payload)
}

// GetSwapOffset returns the swap offset of a SWAPPED page. ok is false if
// pg is not currently SWAPPED.
func (t *Table) GetSwapOffset(pg int) (offset int64, ok bool) {
	if pg < 0 || pg >= len(t.entries) {
		return 0, false
	}
	e := t.entries[pg]
	if e.state() != swapped {
		return 0, false
	}
	return int64(e.payload() >> stateBits), true
}

// ClearContent walks every entry, releasing whatever resource it holds
// (a physical frame via frames, or a swap slot via slots) and resetting it
// to EMPTY. Destroy is its only caller in this module.
func (t *Table) ClearContent(frames FrameReleaser, slots SlotReleaser) {
	for pg, e := range t.entries {
		switch e.state() {
		case resident:
			frames.FreeUserPage(e.payload())
		case swapped:
			slots.Free(int64(e.payload() >> stateBits))
		}
		t.entries[pg] = entry(empty)
	}
}

// Destroy releases every resource the table still owns and discards its
// backing storage. Equivalent to ClearContent followed by dropping the
// table; segment teardown calls this entry point.
func (t *Table) Destroy(frames FrameReleaser, slots SlotReleaser) {
	t.ClearContent(frames, slots)
	t.entries = nil
}

// Duplicator materializes an independent backing resource for a copied
// entry so two tables never reference the same frame or swap slot. The
// original kernel's pt_copy byte-copied the entry array alone, leaving both
// page tables pointing at the same RESIDENT frame and SWAPPED offset; the
// second destroy would then free what the first already had. Resolving
// that (spec.md §9, "Open questions / probable source bugs") requires
// allocating fresh backing storage at copy time, which needs the coremap
// and swap store — resources pagetable never imports — so the duplication
// itself is delegated to the caller through this interface.
type Duplicator interface {
	// DuplicateResident allocates a new frame and copies the PAGE_SIZE
	// bytes at paddr into it, returning the new frame's base address.
	DuplicateResident(paddr uintptr) (newPaddr uintptr)
	// DuplicateSwapped copies the PAGE_SIZE bytes stored at swap offset
	// offset into a freshly allocated swap slot, returning its offset.
	// The source slot is left untouched.
	DuplicateSwapped(offset int64) (newOffset int64)
}

// Copy returns a deep copy of t: an independent entries array, with every
// RESIDENT and SWAPPED entry pointing at freshly duplicated backing
// storage obtained from d rather than the original's. EMPTY entries need
// no duplication.
func (t *Table) Copy(d Duplicator) *Table {
	cp := &Table{entries: make([]entry, len(t.entries))}
	for pg, e := range t.entries {
		switch e.state() {
		case empty:
			cp.entries[pg] = entry(empty)
		case resident:
			cp.entries[pg] = makeEntry(resident, d.DuplicateResident(e.payload()))
		case swapped:
			off := int64(e.payload() >> stateBits)
			newOff := d.DuplicateSwapped(off)
			cp.entries[pg] = makeEntry(swapped, uintptr(newOff)<<stateBits)
		}
	}
	return cp
}

// String renders a one-line summary of the table for debugging: its page
// count only. Individual entries are not listed.
func (t *Table) String() string {
	s := fmt.Sprintf("pagetable(%d pages)", len(t.entries))
	return s
}
