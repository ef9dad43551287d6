// Package segment implements one contiguous virtual-address range with
// uniform permissions and an owned page table (spec.md §4.5): the code,
// data, and stack segments that together make up an address space. Its
// hardest piece, LoadPage, reproduces the first/middle/last-page offset
// arithmetic of the teaching kernel's seg_load_page, including the
// never-simplify edge case of a segment whose first page starts mid-page
// and whose last page's ELF content ends before the page boundary.
package segment

import (
	"context"

	"vmkern/elfnode"
	"vmkern/pagetable"
	"vmkern/ram"
	"vmkern/vmstats"
	"vmkern/vmutil"
)

// Permission is the segment's access mode.
type Permission int

const (
	RONLY Permission = iota
	RW
	EXE
	STACK
)

// Writable reports whether the fault handler should mark TLB entries for
// this segment's pages dirty (spec.md §4.8: "writable is true iff the
// segment's permission is RW or STACK").
func (p Permission) Writable() bool {
	return p == RW || p == STACK
}

func (p Permission) String() string {
	switch p {
	case RONLY:
		return "RONLY"
	case RW:
		return "RW"
	case EXE:
		return "EXE"
	case STACK:
		return "STACK"
	default:
		return "UNKNOWN"
	}
}

// FrameReleaser and SlotReleaser are re-exported from pagetable so callers
// of Destroy/SwapOut don't need to import pagetable themselves just to
// name the parameter types.
type (
	FrameReleaser = pagetable.FrameReleaser
	SlotReleaser  = pagetable.SlotReleaser
	Duplicator    = pagetable.Duplicator
)

// Segment is one of a process's code/data/stack regions.
type Segment struct {
	Permission  Permission
	SegSizeBytes int64 // bytes of real content in the ELF image; tail is BSS
	FileOffset   int64 // may be unaligned; page 0 covers the offset-in-page
	BaseVaddr    uintptr
	NumPages     int
	SegSizeWords int64 // NumPages*PAGE_SIZE, set by both Define and DefineStack
	Node         elfnode.Node // nil for stack
	Table        *pagetable.Table
}

// Create returns a zeroed Segment, matching spec.md's "constructs are
// zeroed".
func Create() *Segment {
	return &Segment{}
}

// Define records metadata for a code or data segment loaded from an ELF
// node. Permission is derived from the requested rwx bits: writable wins
// over executable, matching spec.md §4.5 ("requires read permission;
// writable → RW, else executable → EXE, else RONLY").
//
// numPages is supplied by the caller, not derived here: the ELF loader
// computes it from the program header's memory size (accounting for
// internal fragmentation from a BSS tail or an unaligned base), and
// segment definition from an ELF executable is out of scope for this
// package (spec.md §1 Non-goals).
func (s *Segment) Define(base vaddrT, numPages int, fileBytes int64, offset int64, node elfnode.Node, readable, writable, executable bool) {
	if !readable {
		panic("segment: Define requires read permission")
	}
	switch {
	case writable:
		s.Permission = RW
	case executable:
		s.Permission = EXE
	default:
		s.Permission = RONLY
	}
	s.BaseVaddr = uintptr(base)
	s.SegSizeBytes = fileBytes
	s.FileOffset = offset
	s.NumPages = numPages
	s.SegSizeWords = int64(numPages) * ram.PageSize
	s.Node = node
}

// vaddrT avoids repeating "uintptr" at every call site in this file's
// public signatures while keeping the underlying type exactly uintptr.
type vaddrT = uintptr

// DefineStack configures s as an anonymous, zero-filled stack segment of
// npages pages starting at base, and immediately creates its page table
// (spec.md §4.5: "define_stack ... immediately creates the page table").
func (s *Segment) DefineStack(base uintptr, npages int) {
	s.Permission = STACK
	s.BaseVaddr = base
	s.NumPages = npages
	s.SegSizeWords = int64(npages) * ram.PageSize
	s.SegSizeBytes = 0
	s.FileOffset = 0
	s.Node = nil
	s.Table = pagetable.New(npages)
}

// Prepare creates the page table for a non-stack segment. Safe to call
// more than once only if the caller has not yet populated any entries;
// ordinarily called exactly once per segment after Define.
func (s *Segment) Prepare() {
	s.Table = pagetable.New(s.NumPages)
}

// Copy reproduces s's metadata into a fresh Segment with its own page
// table of identical geometry, whose RESIDENT/SWAPPED entries reference
// newly duplicated backing storage obtained from d — never the same frame
// or swap slot as src (see pagetable.Duplicator; this is the fix for the
// source's shallow pt_copy, spec.md §9).
func (s *Segment) Copy(d Duplicator) *Segment {
	dst := &Segment{
		Permission:   s.Permission,
		SegSizeBytes: s.SegSizeBytes,
		FileOffset:   s.FileOffset,
		BaseVaddr:    s.BaseVaddr,
		NumPages:     s.NumPages,
		SegSizeWords: s.SegSizeWords,
		Node:         s.Node,
	}
	if s.Table != nil {
		dst.Table = s.Table.Copy(d)
	}
	return dst
}

// GetPaddr reports the physical address currently mapped for vaddr, if
// RESIDENT.
func (s *Segment) GetPaddr(vaddr uintptr) (paddr uintptr, ok bool) {
	pg := s.pageIndex(vaddr)
	resident, _, paddr, _, valid := s.Table.GetEntry(pg)
	return paddr, valid && resident
}

// Classify reports vaddr's current page-table state: resident (with its
// physical address) or swapped (with its swap offset). Neither flag set
// means EMPTY. This is the fault handler's entry point into the
// EMPTY/SWAPPED/RESIDENT branch of spec.md §4.8 step 5.
func (s *Segment) Classify(vaddr uintptr) (resident, swapped bool, paddr uintptr, swapOffset int64) {
	pg := s.pageIndex(vaddr)
	resident, swapped, paddr, swapOffset, ok := s.Table.GetEntry(pg)
	if !ok {
		panic("segment: Classify on an out-of-range vaddr")
	}
	return resident, swapped, paddr, swapOffset
}

// AddPTEntry installs a RESIDENT mapping for vaddr at paddr.
func (s *Segment) AddPTEntry(vaddr, paddr uintptr) {
	s.Table.AddEntry(s.pageIndex(vaddr), paddr)
}

// SwapOut transitions vaddr's entry to SWAPPED at the given offset.
func (s *Segment) SwapOut(vaddr uintptr, offset int64) {
	s.Table.SwapOut(s.pageIndex(vaddr), offset)
}

// SwapIn reads the page previously swapped out for vaddr back from store
// into paddr, then flips the entry to RESIDENT — spec.md §4.5: "swap_in
// additionally reads the page data from the swap store before flipping
// the entry to RESIDENT".
func (s *Segment) SwapIn(ctx context.Context, store SwapReader, vaddr, paddr uintptr, dst []byte) error {
	pg := s.pageIndex(vaddr)
	offset, ok := s.Table.GetSwapOffset(pg)
	if !ok {
		panic("segment: SwapIn on an entry that is not SWAPPED")
	}
	if err := store.In(ctx, dst, offset); err != nil {
		return err
	}
	s.Table.SwapIn(pg, paddr)
	return nil
}

// SwapReader is the narrow swapstore surface SwapIn needs.
type SwapReader interface {
	In(ctx context.Context, dst []byte, offset int64) error
}

// Destroy releases every frame and swap slot this segment's page table
// still owns.
func (s *Segment) Destroy(frames FrameReleaser, slots SlotReleaser) {
	if s.Table != nil {
		s.Table.Destroy(frames, slots)
		s.Table = nil
	}
	if s.Node != nil {
		// The ELF node is owned by the address space (shared across code
		// and data), not by the segment; closing it is the address
		// space's responsibility (spec.md §4.7). Segment.Destroy never
		// closes it.
		s.Node = nil
	}
}

func (s *Segment) pageIndex(vaddr uintptr) int {
	base := s.BaseVaddr &^ (ram.PageSize - 1)
	return int((vaddr - base) / ram.PageSize)
}

// LoadPage zero-fills the destination frame (ram.PageSize bytes at frame)
// and then copies in whatever subrange of the ELF image covers the page
// containing vaddr, per the table in spec.md §4.5. It reports which
// statistic to attribute the fault to via the return value so callers
// (the fault handler) can increment the right counter(s); LoadPage itself
// performs no I/O beyond the read and touches no vmstats.Stats directly,
// keeping this function usable without a Stats in tests.
func (s *Segment) LoadPage(vaddr uintptr, frame []byte) (diskRead bool, err error) {
	if len(frame) != ram.PageSize {
		panic("segment: LoadPage requires exactly one page")
	}
	for i := range frame {
		frame[i] = 0
	}

	segOffInPage := int64(s.BaseVaddr) & (ram.PageSize - 1)
	index := s.pageIndex(vaddr)
	size := s.SegSizeBytes

	var destOff, elfOff, length int64
	prevPagesBytes := int64(index)*ram.PageSize - segOffInPage

	switch {
	case index == 0:
		destOff = segOffInPage
		elfOff = s.FileOffset
		length = vmutil.Min(size, int64(ram.PageSize)-segOffInPage)
	case index == s.NumPages-1:
		destOff = 0
		elfOff = s.FileOffset + int64(s.NumPages-1)*ram.PageSize - segOffInPage
		length = vmutil.Max[int64](0, size-prevPagesBytes)
	default:
		destOff = 0
		elfOff = s.FileOffset + int64(index)*ram.PageSize - segOffInPage
		length = vmutil.Max[int64](0, vmutil.Min(int64(ram.PageSize), size-prevPagesBytes))
	}
	if length < 0 {
		length = 0
	}

	if length == 0 {
		return false, nil
	}

	n, rerr := s.Node.ReadAt(frame[destOff:destOff+length], elfOff)
	if rerr != nil || int64(n) != length {
		return true, &ExecFormatError{Err: rerr, Want: length, Got: int64(n)}
	}
	return true, nil
}

// ExecFormatError reports a truncated ELF read during page load — a
// malformed executable, not a transient I/O failure.
type ExecFormatError struct {
	Err  error
	Want int64
	Got  int64
}

func (e *ExecFormatError) Error() string {
	return "segment: truncated ELF read while loading page"
}

func (e *ExecFormatError) Unwrap() error { return e.Err }

// BumpLoadStats increments the statistics matching a LoadPage outcome, per
// spec.md §4.5 ("if the computed length is 0, increment PAGE_FAULT_ZERO
// only; otherwise increment both PAGE_FAULT_DISK and PAGE_FAULT_ELF").
func BumpLoadStats(stats *vmstats.Stats, diskRead bool) {
	if stats == nil {
		return
	}
	if diskRead {
		stats.Increment(vmstats.PageFaultDisk)
		stats.Increment(vmstats.PageFaultELF)
	} else {
		stats.Increment(vmstats.PageFaultZero)
	}
}
