// Package swapstore implements the swap file backing store from spec.md
// §4.3: a fixed-size (9 MiB) file with a bitmap allocator over page-sized
// slots. Positioned reads/writes go through golang.org/x/sys/unix.Pread and
// Pwrite when backed by a real file — the idiomatic way to do offset-based
// disk I/O without disturbing a shared file cursor shared with other
// readers, exactly the access pattern a kernel's swap device needs.
// Concurrent swap I/O is bounded by a golang.org/x/sync/semaphore.Weighted
// so an arbitrarily large number of simultaneously faulting threads cannot
// queue an unbounded number of in-flight positioned writes against the one
// file (see SPEC_FULL.md §9).
package swapstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"vmkern/ram"
	"vmkern/vmbounds"
	"vmkern/vmres"
	"vmkern/vmstats"
)

// PageSize is the slot size, matching spec.md's PAGE_SIZE = 4096.
const PageSize = ram.PageSize

// SwapSize is the fixed swap file size, matching spec.md's 9 MiB.
const SwapSize = 9 * 1024 * 1024

// NumSlots is the number of page-sized slots in the swap file.
const NumSlots = SwapSize / PageSize

// Backend is the minimal file-like surface swapstore needs: positioned
// reads and writes plus a close. OpenFile wraps an *os.File with
// golang.org/x/sys/unix positioned I/O; tests can supply any
// other Backend (e.g. an in-memory one) directly via New.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Store is the swap file: an open backend plus a bitmap over its slots.
type Store struct {
	mu      sync.Mutex
	bitmap  []uint64 // NumSlots bits, 1 = slot used
	backend Backend
	sem     *semaphore.Weighted
	stats   *vmstats.Stats
}

// New wraps an already-open Backend with a fresh (all-clear) bitmap. maxIO
// bounds concurrent in-flight Out/In calls.
func New(backend Backend, stats *vmstats.Stats, maxIO int64) *Store {
	if maxIO <= 0 {
		maxIO = 1
	}
	words := (NumSlots + 63) / 64
	return &Store{
		bitmap:  make([]uint64, words),
		backend: backend,
		sem:     semaphore.NewWeighted(maxIO),
		stats:   stats,
	}
}

// fileBackend adapts *os.File to Backend using positioned pread/pwrite
// syscalls directly, rather than Seek+Read/Write, so concurrent Out/In calls
// never race on the file's cursor.
type fileBackend struct {
	f  *os.File
	fd int
}

func (b *fileBackend) ReadAt(p []byte, off int64) (int, error) {
	return unix.Pread(b.fd, p, off)
}

func (b *fileBackend) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(b.fd, p, off)
}

func (b *fileBackend) Close() error {
	return b.f.Close()
}

// OpenFile opens (creating if absent) the swap file at path, sized exactly
// SwapSize bytes, and returns a Store over it. This is the persisted state
// named in spec.md §6 — "emu0:/SWAPFILE" in the original kernel, an
// ordinary path on a hosted filesystem here.
func OpenFile(path string, stats *vmstats.Stats, maxIO int64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swapstore: open %s: %w", path, err)
	}
	if err := f.Truncate(SwapSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("swapstore: truncate %s: %w", path, err)
	}
	return New(&fileBackend{f: f, fd: int(f.Fd())}, stats, maxIO), nil
}

func (s *Store) bitSet(slot int) bool {
	return s.bitmap[slot/64]&(1<<uint(slot%64)) != 0
}

func (s *Store) bitClear(slot int) {
	s.bitmap[slot/64] &^= 1 << uint(slot%64)
}

func (s *Store) bitMark(slot int) {
	s.bitmap[slot/64] |= 1 << uint(slot%64)
}

// allocSlot finds and marks the lowest-numbered free slot, under mu.
func (s *Store) allocSlot() (int, bool) {
	g := vmres.NewGate(vmbounds.SwapstoreBitmapScan)
	for slot := 0; slot < NumSlots; slot++ {
		if !g.Next() {
			g.Exhausted()
		}
		if !s.bitSet(slot) {
			s.bitMark(slot)
			return slot, true
		}
	}
	return 0, false
}

// Out writes page (must be PageSize bytes, the kernel-mapped view of the
// evicted frame) to the first free slot and returns its byte offset. Swap
// exhaustion is fatal: the design does not recover from it (spec.md §4.3).
func (s *Store) Out(ctx context.Context, page []byte) (int64, error) {
	if len(page) != PageSize {
		panic("swapstore: Out requires exactly one page")
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	slot, ok := s.allocSlot()
	s.mu.Unlock()
	if !ok {
		panic("swapstore: swap file exhausted")
	}

	offset := int64(slot) * PageSize
	n, err := s.backend.WriteAt(page, offset)
	if err != nil || n != PageSize {
		panic(fmt.Sprintf("swapstore: short write at offset %d: n=%d err=%v", offset, n, err))
	}

	if s.stats != nil {
		s.stats.Increment(vmstats.SwapfileWrite)
	}
	return offset, nil
}

// In reads the page at offset into dst (must be PageSize bytes) and frees
// the slot. offset must be page-aligned, within range, and currently marked
// used; violations are invariant breaks and panic.
func (s *Store) In(ctx context.Context, dst []byte, offset int64) error {
	if len(dst) != PageSize {
		panic("swapstore: In requires exactly one page")
	}
	if offset < 0 || offset >= SwapSize || offset%PageSize != 0 {
		panic("swapstore: offset out of range or unaligned")
	}
	slot := int(offset / PageSize)

	s.mu.Lock()
	if !s.bitSet(slot) {
		s.mu.Unlock()
		panic("swapstore: In on unallocated slot")
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	n, err := s.backend.ReadAt(dst, offset)
	if err != nil || n != PageSize {
		panic(fmt.Sprintf("swapstore: short read at offset %d: n=%d err=%v", offset, n, err))
	}

	s.mu.Lock()
	s.bitClear(slot)
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.Increment(vmstats.PageFaultSwapfile)
		s.stats.Increment(vmstats.PageFaultDisk)
	}
	return nil
}

// Peek reads the page at offset into dst without freeing the slot or
// touching any counter. Used only to duplicate a SWAPPED page table entry
// during address-space copy (pagetable.Duplicator): the source entry must
// survive the read untouched.
func (s *Store) Peek(ctx context.Context, dst []byte, offset int64) error {
	if len(dst) != PageSize {
		panic("swapstore: Peek requires exactly one page")
	}
	if offset < 0 || offset >= SwapSize || offset%PageSize != 0 {
		panic("swapstore: offset out of range or unaligned")
	}
	slot := int(offset / PageSize)

	s.mu.Lock()
	used := s.bitSet(slot)
	s.mu.Unlock()
	if !used {
		panic("swapstore: Peek on unallocated slot")
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	n, err := s.backend.ReadAt(dst, offset)
	if err != nil || n != PageSize {
		panic(fmt.Sprintf("swapstore: short read at offset %d: n=%d err=%v", offset, n, err))
	}
	return nil
}

// Free discards the slot at offset without reading or zeroing its content,
// matching spec.md's "no zeroing of file content".
func (s *Store) Free(offset int64) {
	if offset < 0 || offset >= SwapSize || offset%PageSize != 0 {
		panic("swapstore: offset out of range or unaligned")
	}
	slot := int(offset / PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bitSet(slot) {
		panic("swapstore: Free on unallocated slot")
	}
	s.bitClear(slot)
}

// Used reports whether the slot at offset is currently allocated, for
// property tests (P2: swap uniqueness).
func (s *Store) Used(offset int64) bool {
	slot := int(offset / PageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitSet(slot)
}

// UsedCount returns the number of currently allocated slots.
func (s *Store) UsedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for slot := 0; slot < NumSlots; slot++ {
		if s.bitSet(slot) {
			n++
		}
	}
	return n
}

// Shutdown closes the backend and drops the bitmap.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	s.bitmap = nil
	s.mu.Unlock()
	return s.backend.Close()
}
