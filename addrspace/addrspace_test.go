package addrspace

import (
	"testing"

	"vmkern/elfnode"
	"vmkern/ram"
	"vmkern/vmerr"
)

type fakeReleaser struct {
	freedFrames []uintptr
	freedSlots  []int64
}

func (f *fakeReleaser) FreeUserPage(paddr uintptr) {
	f.freedFrames = append(f.freedFrames, paddr)
}

func (f *fakeReleaser) Free(offset int64) {
	f.freedSlots = append(f.freedSlots, offset)
}

// fakeDup hands out fresh, distinct frame/slot numbers on every call.
type fakeDup struct {
	nextFrame uintptr
	nextSlot  int64
}

func (d *fakeDup) DuplicateResident(paddr uintptr) uintptr {
	d.nextFrame += ram.PageSize
	return d.nextFrame
}

func (d *fakeDup) DuplicateSwapped(offset int64) int64 {
	d.nextSlot += ram.PageSize
	return d.nextSlot
}

func newLoadedAddrSpace(t *testing.T) *AddrSpace {
	t.Helper()
	node := elfnode.FromBytes(make([]byte, 4096))

	as := Create()
	if err := as.DefineRegion(0x00400000, 1, 4096, 0, node, true, false, true); err != 0 {
		t.Fatalf("DefineRegion(code) = %v", err)
	}
	if err := as.DefineRegion(0x00500000, 1, 4096, 0, node, true, true, false); err != 0 {
		t.Fatalf("DefineRegion(data) = %v", err)
	}
	var sp uintptr
	as.DefineStack(&sp)
	if sp != USERSTACK {
		t.Fatalf("initial stack pointer = %#x, want %#x", sp, USERSTACK)
	}
	as.PrepareLoad()
	return as
}

func TestDefineRegionFailsOnThirdCall(t *testing.T) {
	as := newLoadedAddrSpace(t)
	node := elfnode.FromBytes(make([]byte, 4096))
	if err := as.DefineRegion(0x00600000, 1, 4096, 0, node, true, false, true); err != vmerr.ENOSYS {
		t.Fatalf("third DefineRegion = %v, want ENOSYS", err)
	}
}

func TestDefineStackGeometry(t *testing.T) {
	as := Create()
	var sp uintptr
	as.DefineStack(&sp)

	if sp != USERSTACK {
		t.Fatalf("stackptr = %#x, want %#x", sp, uintptr(USERSTACK))
	}
	if as.Stack.NumPages != StackPages {
		t.Fatalf("Stack.NumPages = %d, want %d", as.Stack.NumPages, StackPages)
	}
	if as.Stack.BaseVaddr != USERSTACK-StackPages*4096 {
		t.Fatalf("Stack.BaseVaddr = %#x, want %#x", as.Stack.BaseVaddr, uintptr(USERSTACK-StackPages*4096))
	}
	if as.Stack.Table == nil {
		t.Fatal("DefineStack must create the stack's page table immediately")
	}
}

// TestFindSegmentUsesDataBound covers the base_data+data_size fix (spec.md
// §9): a vaddr past the code segment's size but within the data segment's
// own bound must resolve to Data, not fall through to nil the way
// base_code+data_size would for a code/data pair of different sizes.
func TestFindSegmentUsesDataBound(t *testing.T) {
	as := newLoadedAddrSpace(t)

	if got := as.FindSegment(0x00400000); got != as.Code {
		t.Fatalf("FindSegment(code base) = %v, want Code", got)
	}
	if got := as.FindSegment(0x00500000); got != as.Data {
		t.Fatalf("FindSegment(data base) = %v, want Data", got)
	}
	if got := as.FindSegment(0x00500FFF); got != as.Data {
		t.Fatalf("FindSegment(last data byte) = %v, want Data", got)
	}
	if got := as.FindSegment(USERSTACK - 1); got != as.Stack {
		t.Fatalf("FindSegment(last stack byte) = %v, want Stack", got)
	}
	if got := as.FindSegment(0x00501000); got != nil {
		t.Fatalf("FindSegment(past data bound) = %v, want nil", got)
	}
}

// TestDestroyHandlesNilCode covers the as_destroy fix (spec.md §9): the
// code segment's node must be snapshotted before destruction, and a nil
// Code must never be dereferenced.
func TestDestroyHandlesNilCode(t *testing.T) {
	as := &AddrSpace{}
	rel := &fakeReleaser{}
	as.Destroy(rel, rel) // must not panic
}

// closeCounter wraps an elfnode.Node and counts its Close calls.
type closeCounter struct {
	elfnode.Node
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.Node.Close()
}

func TestDestroyClosesNodeOnce(t *testing.T) {
	as := newLoadedAddrSpace(t)
	node := &closeCounter{Node: as.Code.Node}
	as.Code.Node = node
	as.Data.Node = node
	as.Code.AddPTEntry(0x00400000, ram.PageSize)
	as.Data.AddPTEntry(0x00500000, 2*ram.PageSize)

	rel := &fakeReleaser{}
	as.Destroy(rel, rel)

	if len(rel.freedFrames) != 2 {
		t.Fatalf("expected 2 frames freed, got %v", rel.freedFrames)
	}
	if node.closes != 1 {
		t.Fatalf("ELF node closed %d times, want 1", node.closes)
	}
}

// TestCopyDeepDuplicatesAllSegments covers Copy across all three segments
// and confirms it never aliases the source's frames.
func TestCopyDeepDuplicatesAllSegments(t *testing.T) {
	as := newLoadedAddrSpace(t)
	as.Code.AddPTEntry(0x00400000, ram.PageSize)
	as.Data.AddPTEntry(0x00500000, 2*ram.PageSize)
	as.Stack.AddPTEntry(USERSTACK-4096, 3*ram.PageSize)

	d := &fakeDup{nextFrame: 50 * ram.PageSize}
	cp, err := as.Copy(d, &fakeReleaser{}, &fakeReleaser{})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	srcCode, _ := as.Code.GetPaddr(0x00400000)
	dstCode, _ := cp.Code.GetPaddr(0x00400000)
	if srcCode == dstCode {
		t.Fatal("Copy must not alias the code segment's frame")
	}

	srcData, _ := as.Data.GetPaddr(0x00500000)
	dstData, _ := cp.Data.GetPaddr(0x00500000)
	if srcData == dstData {
		t.Fatal("Copy must not alias the data segment's frame")
	}

	srcStack, _ := as.Stack.GetPaddr(USERSTACK - 4096)
	dstStack, _ := cp.Stack.GetPaddr(USERSTACK - 4096)
	if srcStack == dstStack {
		t.Fatal("Copy must not alias the stack segment's frame")
	}
}

func TestSwapOutPageDelegatesToOwningSegment(t *testing.T) {
	as := newLoadedAddrSpace(t)
	as.Data.AddPTEntry(0x00500000, ram.PageSize)

	as.SwapOutPage(0x00500000, 7*int64(ram.PageSize))

	resident, swapped, _, offset := as.Data.Classify(0x00500000)
	if resident || !swapped {
		t.Fatalf("expected SWAPPED after SwapOutPage, resident=%v swapped=%v", resident, swapped)
	}
	if offset != 7*int64(ram.PageSize) {
		t.Fatalf("swap offset = %d, want %d", offset, 7*ram.PageSize)
	}
}

func TestSwapOutPagePanicsForUnownedAddress(t *testing.T) {
	as := newLoadedAddrSpace(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for an address with no owning segment")
		}
	}()
	as.SwapOutPage(0xDEADB000, 0)
}
