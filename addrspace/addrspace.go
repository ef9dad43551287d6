// Package addrspace implements the per-process address space from
// spec.md §4.7: the aggregate of the code, data, and stack segments, TLB
// activation on context switch, and virtual-address-to-segment lookup.
package addrspace

import (
	"fmt"

	"vmkern/accnt"
	"vmkern/elfnode"
	"vmkern/segment"
	"vmkern/tlb"
	"vmkern/vmerr"
)

// USERSTACK is the conventional top of user virtual address space this
// machine's ABI reserves for the stack (the teaching kernel's MIPS-derived
// convention), matching spec.md §4.7's define_stack.
const USERSTACK = 0x80000000

// StackPages is the fixed stack segment size, matching spec.md §4.7:
// "creates an 18-page stack segment".
const StackPages = 18

// AddrSpace aggregates a process's three segments.
type AddrSpace struct {
	Code  *segment.Segment
	Data  *segment.Segment
	Stack *segment.Segment

	// Accnt is purely additive instrumentation: no spec.md invariant
	// depends on it. fault.Handler.Fault updates Faultns around the
	// frame-acquisition step of every fault it services for this address
	// space.
	Accnt accnt.Accnt

	definedRegions int // 0, 1, or 2: tracks DefineRegion call count
}

// Create returns an address space with three zeroed segments, matching
// spec.md §4.7's "create: zeroed segments".
func Create() *AddrSpace {
	return &AddrSpace{
		Code:  segment.Create(),
		Data:  segment.Create(),
		Stack: segment.Create(),
	}
}

// Destroy releases all three segments' backing resources and closes the
// ELF node exactly once. The code segment's node pointer is read before
// any destruction — not after — fixing the source's as_destroy, which
// dereferenced code.elf_vnode before checking code for nil (spec.md §9:
// "as_destroy reads code.elf_vnode before the null check on code").
func (as *AddrSpace) Destroy(frames segment.FrameReleaser, slots segment.SlotReleaser) {
	if as.Code == nil {
		return
	}
	node := as.Code.Node

	as.Code.Destroy(frames, slots)
	if as.Data != nil {
		as.Data.Destroy(frames, slots)
	}
	if as.Stack != nil {
		as.Stack.Destroy(frames, slots)
	}

	if node != nil {
		node.Close()
	}
}

// Activate invalidates the entire TLB with interrupts masked, matching
// spec.md §4.7: "activate: with interrupts masked, invalidate the entire
// TLB". Called on every context switch into this address space.
func (as *AddrSpace) Activate(controller *tlb.Controller) {
	controller.InvalidateAll()
}

// Deactivate is a no-op: this design has no TLB shootdown to perform on
// switch-out (spec.md §5: single-processor assumption for the user path).
func (as *AddrSpace) Deactivate() {}

// Duplicator is re-exported from segment/pagetable so callers of Copy
// don't need a second import just to name the parameter type.
type Duplicator = segment.Duplicator

// Copy creates a new address space and deep-copies each of code, data,
// and stack into it via d. Any failure destroys whatever segments had
// already been created in the new address space along with the new
// address space itself, matching spec.md §4.7: "Any failure destroys
// already-created new segments and the new address space."
func (as *AddrSpace) Copy(d Duplicator, frames segment.FrameReleaser, slots segment.SlotReleaser) (_ *AddrSpace, err error) {
	dst := &AddrSpace{definedRegions: as.definedRegions}

	defer func() {
		if r := recover(); r != nil {
			if dst.Code != nil {
				dst.Code.Destroy(frames, slots)
			}
			if dst.Data != nil {
				dst.Data.Destroy(frames, slots)
			}
			if dst.Stack != nil {
				dst.Stack.Destroy(frames, slots)
			}
			err = fmt.Errorf("addrspace: copy failed: %v", r)
		}
	}()

	dst.Code = as.Code.Copy(d)
	dst.Data = as.Data.Copy(d)
	dst.Stack = as.Stack.Copy(d)
	return dst, nil
}

// PrepareLoad creates page tables for the code and data segments (the
// stack segment's table was already created by DefineStack), matching
// spec.md §4.7.
func (as *AddrSpace) PrepareLoad() {
	as.Code.Prepare()
	as.Data.Prepare()
}

// DefineRegion populates the code segment on its first call, the data
// segment on its second, and fails with ENOSYS on any further call — the
// design supports exactly two non-stack regions per ELF (spec.md §4.7).
//
// numPages is the caller's (the ELF loader's) computation from the program
// header's memory size, accounting for any BSS tail or unaligned base; this
// package does not derive it, since segment definition from an ELF
// executable is out of scope here (spec.md §1 Non-goals).
func (as *AddrSpace) DefineRegion(base uintptr, numPages int, filesize, offset int64, node elfnode.Node, readable, writable, executable bool) vmerr.Err_t {
	switch as.definedRegions {
	case 0:
		as.Code.Define(base, numPages, filesize, offset, node, readable, writable, executable)
	case 1:
		as.Data.Define(base, numPages, filesize, offset, node, readable, writable, executable)
	default:
		return vmerr.ENOSYS
	}
	as.definedRegions++
	return 0
}

// DefineStack creates the 18-page stack segment at USERSTACK and reports
// the initial stack pointer via stackptr.
func (as *AddrSpace) DefineStack(stackptr *uintptr) {
	as.Stack.DefineStack(USERSTACK-StackPages*pageSize, StackPages)
	*stackptr = USERSTACK
}

const pageSize = 4096

// FindSegment returns the segment whose range contains vaddr, or nil. The
// data segment's upper bound is computed as base(data)+size(data) — NOT
// base(code)+size(data), which one source variant used and which spec.md
// §9 flags as "very likely a typo". Implementers MUST use
// base_data+data_size; this matters for an ELF whose code and data
// segments have different sizes (scenario 2 in spec.md §8 depends on it).
func (as *AddrSpace) FindSegment(vaddr uintptr) *segment.Segment {
	if inRange(vaddr, as.Code.BaseVaddr, as.Code.SegSizeWords) {
		return as.Code
	}
	if inRange(vaddr, as.Data.BaseVaddr, as.Data.SegSizeWords) {
		return as.Data
	}
	if inRange(vaddr, as.Stack.BaseVaddr, as.Stack.SegSizeWords) {
		return as.Stack
	}
	return nil
}

func inRange(vaddr, base uintptr, size int64) bool {
	if size <= 0 {
		return false
	}
	return vaddr >= base && vaddr < base+uintptr(size)
}

// SwapOutPage implements coremap.Owner: it locates the segment owning
// vaddr and flips its page-table entry to SWAPPED at offset. This is the
// callback the coremap invokes mid-eviction, replacing the source's
// commented-out seg_swap_out call (spec.md §9) that left a victim's page
// table falsely claiming RESIDENT after its frame had been reassigned.
func (as *AddrSpace) SwapOutPage(vaddr uintptr, offset int64) {
	seg := as.FindSegment(vaddr)
	if seg == nil {
		panic("addrspace: SwapOutPage for an address with no owning segment")
	}
	seg.SwapOut(vaddr, offset)
}
