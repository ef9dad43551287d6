// Package vmstats implements the ten named process-wide counters from
// spec.md §4.1 and the three cross-counter identities checked at shutdown.
// Grounded on the teaching kernel's stats package (Counter_t, atomic
// increment, a reflect-driven dump) generalized from anonymous struct
// fields to named indices, since spec.md requires stable identities rather
// than struct-field iteration order.
package vmstats

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Index identifies one of the ten counters by its stable position.
type Index int

const (
	TLBMiss Index = iota
	TLBMissFree
	TLBMissReplace
	TLBInvalidation
	TLBReload
	PageFaultZero
	PageFaultDisk
	PageFaultELF
	PageFaultSwapfile
	SwapfileWrite

	numCounters
)

var names = [numCounters]string{
	TLBMiss:           "TLB faults",
	TLBMissFree:       "TLB faults with free",
	TLBMissReplace:    "TLB faults with replace",
	TLBInvalidation:   "TLB invalidations",
	TLBReload:         "TLB reloads",
	PageFaultZero:     "Page faults (zeroed)",
	PageFaultDisk:     "Page faults (disk)",
	PageFaultELF:      "Page faults from ELF",
	PageFaultSwapfile: "Page faults from swapfile",
	SwapfileWrite:     "Swapfile writes",
}

// Stats holds the ten counters. The zero value is not ready for use; call
// Init first, matching the teaching kernel's explicit init/shutdown
// lifecycle (spec.md §3 Lifecycle).
type Stats struct {
	mu      sync.Mutex
	active  bool
	counts  [numCounters]int64
}

// New returns an initialized, active Stats.
func New() *Stats {
	s := &Stats{}
	s.Init()
	return s
}

// Init zeroes every counter and marks the statistics active.
func (s *Stats) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.counts {
		atomic.StoreInt64(&s.counts[i], 0)
	}
	s.active = true
}

// Increment bumps counter i by one. It is a no-op before Init or after the
// counters have been shown at shutdown, matching the original's
// vmstats_active guard.
func (s *Stats) Increment(i Index) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return
	}
	atomic.AddInt64(&s.counts[i], 1)
}

// Get returns the current value of counter i.
func (s *Stats) Get(i Index) int64 {
	return atomic.LoadInt64(&s.counts[i])
}

// identity is one of the three cross-counter checks from spec.md §4.1.
type identity struct {
	lhs      Index
	rhsTerms []Index
}

var identities = []identity{
	{TLBMiss, []Index{TLBMissFree, TLBMissReplace}},
	{TLBMiss, []Index{TLBReload, PageFaultZero, PageFaultDisk}},
	{PageFaultDisk, []Index{PageFaultELF, PageFaultSwapfile}},
}

// Show prints each counter as "<name>: <value>\n" via a thousands-grouping
// text/message.Printer, then up to three warnings for any identity in
// spec.md §4.1 that doesn't hold. It deactivates the counters afterward.
func (s *Stats) Show(w io.Writer) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	p := message.NewPrinter(language.English)
	for i := Index(0); i < numCounters; i++ {
		p.Fprintf(w, "%s: %d\n", names[i], s.Get(i))
	}

	for _, id := range identities {
		sum := int64(0)
		for _, t := range id.rhsTerms {
			sum += s.Get(t)
		}
		lhs := s.Get(id.lhs)
		if lhs != sum {
			terms := make([]string, len(id.rhsTerms))
			for k, t := range id.rhsTerms {
				terms[k] = names[t]
			}
			p.Fprintf(w, "WARNING: %s (%d) != sum of %v (%d)\n", names[id.lhs], lhs, terms, sum)
		}
	}
}

// CheckIdentities reports whether all three identities from spec.md §4.1
// currently hold, for use in property tests (P6) without needing an
// io.Writer.
func (s *Stats) CheckIdentities() []string {
	var failures []string
	for _, id := range identities {
		sum := int64(0)
		for _, t := range id.rhsTerms {
			sum += s.Get(t)
		}
		lhs := s.Get(id.lhs)
		if lhs != sum {
			failures = append(failures, fmt.Sprintf("%s(%d) != sum(%d)", names[id.lhs], lhs, sum))
		}
	}
	return failures
}
