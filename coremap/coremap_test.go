package coremap

import (
	"context"
	"sync"
	"testing"

	"vmkern/ram"
	"vmkern/swapstore"
	"vmkern/vmstats"
)

// fakeOwner records SwapOutPage calls, standing in for addrspace.AddrSpace.
type fakeOwner struct {
	mu        sync.Mutex
	swappedAt []uintptr
}

func (o *fakeOwner) SwapOutPage(vaddr uintptr, offset int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.swappedAt = append(o.swappedAt, vaddr)
}

func newTestCoremap(t *testing.T, numPages int) (*Coremap, *ram.Arena) {
	t.Helper()
	arena := ram.NewArena(numPages*ram.PageSize, 0)
	store := swapstore.New(newMemBackend(), vmstats.New(), 4)
	cm := Init(arena, store, vmstats.New())
	return cm, arena
}

type memBackend struct {
	mu   sync.Mutex
	data [swapstore.SwapSize]byte
}

func newMemBackend() *memBackend { return &memBackend{} }

func (b *memBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(p, b.data[off:off+int64(len(p))]), nil
}

func (b *memBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(b.data[off:off+int64(len(p))], p), nil
}

func (b *memBackend) Close() error { return nil }

func TestAllocUserPageAppendsFIFO(t *testing.T) {
	cm, _ := newTestCoremap(t, 8)
	owner := &fakeOwner{}
	ctx := context.Background()

	p0, err := cm.AllocUserPage(ctx, 0x1000, owner)
	if err != nil {
		t.Fatalf("AllocUserPage: %v", err)
	}
	p1, err := cm.AllocUserPage(ctx, 0x2000, owner)
	if err != nil {
		t.Fatalf("AllocUserPage: %v", err)
	}

	order := cm.FIFOOrder()
	if len(order) != 2 || order[0] != p0 || order[1] != p1 {
		t.Fatalf("FIFOOrder = %v, want [%#x %#x]", order, p0, p1)
	}
}

// TestFreeThenReallocReusesFrame covers R3: alloc then free leaves the
// frame FREED and out of the FIFO, and the next alloc may reuse it.
func TestFreeThenReallocReusesFrame(t *testing.T) {
	cm, _ := newTestCoremap(t, 4)
	owner := &fakeOwner{}
	ctx := context.Background()

	p, err := cm.AllocUserPage(ctx, 0x1000, owner)
	if err != nil {
		t.Fatalf("AllocUserPage: %v", err)
	}
	cm.FreeUserPage(p)

	if order := cm.FIFOOrder(); len(order) != 0 {
		t.Fatalf("FIFO should be empty after Free, got %v", order)
	}

	p2, err := cm.AllocUserPage(ctx, 0x2000, owner)
	if err != nil {
		t.Fatalf("AllocUserPage: %v", err)
	}
	if p2 != p {
		t.Fatalf("expected the freed frame %#x to be reused, got %#x", p, p2)
	}
}

// TestEvictionOnPressure covers end-to-end scenario 3: once RAM is
// exhausted, the next allocation evicts the FIFO head, calls swap_out,
// notifies the victim's owner, and moves the frame to the FIFO tail.
func TestEvictionOnPressure(t *testing.T) {
	cm, arena := newTestCoremap(t, 2)
	_ = arena
	ownerA := &fakeOwner{}
	ownerB := &fakeOwner{}
	ctx := context.Background()

	pA0, err := cm.AllocUserPage(ctx, 0x1000, ownerA)
	if err != nil {
		t.Fatalf("AllocUserPage: %v", err)
	}
	_, err = cm.AllocUserPage(ctx, 0x2000, ownerA)
	if err != nil {
		t.Fatalf("AllocUserPage: %v", err)
	}

	// RAM (2 frames) is now full; this allocation must evict pA0's frame
	// (the FIFO head) on behalf of a different owner.
	p3, err := cm.AllocUserPage(ctx, 0x3000, ownerB)
	if err != nil {
		t.Fatalf("AllocUserPage during eviction: %v", err)
	}
	if p3 != pA0 {
		t.Fatalf("expected evicted frame %#x to be reassigned, got %#x", pA0, p3)
	}

	if len(ownerA.swappedAt) != 1 || ownerA.swappedAt[0] != 0x1000 {
		t.Fatalf("expected ownerA notified of eviction at 0x1000, got %v", ownerA.swappedAt)
	}

	order := cm.FIFOOrder()
	if len(order) != 2 {
		t.Fatalf("FIFO should still contain exactly 2 frames, got %v", order)
	}
	if order[1] != p3 {
		t.Fatalf("evicted-and-reassigned frame should now be the FIFO tail, got %v", order)
	}
}

func TestAllocKpagesContiguousBlock(t *testing.T) {
	cm, _ := newTestCoremap(t, 8)

	base, ok := cm.AllocKpages(3)
	if !ok {
		t.Fatal("AllocKpages failed")
	}
	cm.FreeKpages(base)

	// Reallocating the same size should find the now-FREED run again.
	base2, ok := cm.AllocKpages(3)
	if !ok {
		t.Fatal("AllocKpages after free failed")
	}
	if base2 != base {
		t.Fatalf("expected reuse of freed block %#x, got %#x", base, base2)
	}
}
