// Package fault implements bootstrap/shutdown sequencing and the
// vm_fault classification logic from spec.md §4.8: the one place that
// drives the coremap, segment, swap store, and TLB controller together to
// resolve a single TLB miss. Per spec.md §9's own suggestion, there is no
// package-level mutable singleton here: Bootstrap returns a *VM value that
// bundles every subsystem's state, and every fault is serviced against an
// explicitly passed VM rather than a process-wide global.
package fault

import (
	"context"
	"fmt"
	"io"
	"time"

	"vmkern/addrspace"
	"vmkern/coremap"
	"vmkern/ram"
	"vmkern/segment"
	"vmkern/swapstore"
	"vmkern/tlb"
	"vmkern/vmerr"
	"vmkern/vmstats"
)

// Config is the boot-time configuration an embedder supplies.
type Config struct {
	// RAMSize is the total simulated RAM size in bytes (rounded down to a
	// whole number of pages).
	RAMSize int
	// RAMReserved is the number of leading bytes of RAM considered
	// already claimed by boot-time allocations that happened before the
	// coremap existed (spec.md §4.6). Bootstrap reserves at least the first
	// page even when this is smaller, because physical address 0 cannot be
	// installed in a page table.
	RAMReserved uintptr

	// SwapPath, if non-empty, is opened via swapstore.OpenFile. Otherwise
	// SwapBackend must be set (tests use an in-memory backend).
	SwapPath    string
	SwapBackend swapstore.Backend
	// MaxSwapIO bounds concurrent in-flight swap Out/In calls; see
	// swapstore.New.
	MaxSwapIO int64

	// TLBDevice is the out-of-scope hardware TLB; tlb.NewSimDevice() is
	// used if nil.
	TLBDevice tlb.Device
}

// VM bundles the subsystems that would otherwise be process-wide
// singletons: the RAM arena, coremap, swap store, TLB controller, and
// statistics, for one boot/shutdown lifetime.
type VM struct {
	RAM     ram.Controller
	Coremap *coremap.Coremap
	Store   *swapstore.Store
	Stats   *vmstats.Stats
	TLB     *tlb.Controller
}

// Bootstrap boots every subsystem, each receiving its dependencies at
// construction: it creates the statistics first, then the TLB controller
// (resetting its victim), the RAM arena and the swap store, and finally the
// coremap, which takes the swap store and statistics. It does not follow a
// TLB → coremap → swap store → statistics order.
func Bootstrap(cfg Config) (*VM, error) {
	stats := vmstats.New()

	dev := cfg.TLBDevice
	if dev == nil {
		dev = tlb.NewSimDevice()
	}
	tlbCtl := tlb.NewController(dev, stats)
	tlbCtl.ResetVictim()

	reserved := cfg.RAMReserved
	if reserved < ram.PageSize {
		reserved = ram.PageSize
	}
	arena := ram.NewArena(cfg.RAMSize, reserved)

	maxIO := cfg.MaxSwapIO
	if maxIO <= 0 {
		maxIO = 4
	}

	var store *swapstore.Store
	var err error
	switch {
	case cfg.SwapBackend != nil:
		store = swapstore.New(cfg.SwapBackend, stats, maxIO)
	case cfg.SwapPath != "":
		store, err = swapstore.OpenFile(cfg.SwapPath, stats, maxIO)
		if err != nil {
			return nil, fmt.Errorf("fault: bootstrap: %w", err)
		}
	default:
		return nil, fmt.Errorf("fault: bootstrap: either SwapPath or SwapBackend is required")
	}

	cm := coremap.Init(arena, store, stats)

	return &VM{
		RAM:     arena,
		Coremap: cm,
		Store:   store,
		Stats:   stats,
		TLB:     tlbCtl,
	}, nil
}

// Shutdown shuts the swap store and coremap down, then shows (and
// deactivates) the statistics to w, matching spec.md §4.8's vm_shutdown:
// swap store shutdown, coremap shutdown, statistics show.
func (vm *VM) Shutdown(w io.Writer) error {
	if err := vm.Store.Shutdown(); err != nil {
		return err
	}
	vm.Coremap.Shutdown()
	vm.Stats.Show(w)
	return nil
}

// FaultType classifies the kind of memory access that missed the TLB.
type FaultType int

const (
	ReadOnly FaultType = iota // a write to a non-writable page
	Read
	Write
)

// Handler drives vm_fault for one process/thread layer, obtaining the
// faulting thread's address space through Current — the out-of-scope
// process/thread collaborator (spec.md §1).
type Handler struct {
	VM      *VM
	Current func() *addrspace.AddrSpace
}

// NewHandler returns a Handler bound to vm and a Current accessor.
func NewHandler(vm *VM, current func() *addrspace.AddrSpace) *Handler {
	return &Handler{VM: vm, Current: current}
}

// Fault implements spec.md §4.8's vm_fault: classify the fault type,
// locate the current address space and the segment owning faultAddr,
// resolve its page-table entry (EMPTY/SWAPPED/RESIDENT), and install the
// resulting mapping into the TLB.
func (h *Handler) Fault(ctx context.Context, faultType FaultType, faultAddr uintptr) vmerr.Err_t {
	switch faultType {
	case ReadOnly:
		return vmerr.EACCES
	case Read, Write:
	default:
		return vmerr.EINVAL
	}

	as := h.Current()
	if as == nil {
		return vmerr.EFAULT
	}

	seg := as.FindSegment(faultAddr)
	if seg == nil {
		return vmerr.EFAULT
	}

	start := time.Now()
	defer as.Accnt.Since(start)

	pageBase := faultAddr &^ (ram.PageSize - 1)
	resident, swapped, paddr, _ := seg.Classify(faultAddr)

	switch {
	case resident:
		h.VM.Stats.Increment(vmstats.TLBReload)

	case swapped:
		var err error
		paddr, err = h.VM.Coremap.AllocUserPage(ctx, pageBase, as)
		if err != nil {
			return vmerr.EFAULT
		}
		frame := h.VM.RAM.Bytes(paddr, ram.PageSize)
		if err := seg.SwapIn(ctx, h.VM.Store, faultAddr, paddr, frame); err != nil {
			return vmerr.EFAULT
		}

	default: // EMPTY
		var err error
		paddr, err = h.VM.Coremap.AllocUserPage(ctx, pageBase, as)
		if err != nil {
			return vmerr.EFAULT
		}
		frame := h.VM.RAM.Bytes(paddr, ram.PageSize)

		if seg.Permission == segment.STACK {
			for i := range frame {
				frame[i] = 0
			}
			h.VM.Stats.Increment(vmstats.PageFaultZero)
		} else {
			diskRead, lerr := seg.LoadPage(faultAddr, frame)
			segment.BumpLoadStats(h.VM.Stats, diskRead)
			if lerr != nil {
				return vmerr.ENOEXEC
			}
		}
		seg.AddPTEntry(faultAddr, paddr)
	}

	h.VM.TLB.InstallMapping(uint64(faultAddr), uint64(paddr), seg.Permission.Writable())
	return 0
}
