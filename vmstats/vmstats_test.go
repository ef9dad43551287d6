package vmstats

import (
	"strings"
	"testing"
)

func TestIncrementAndGet(t *testing.T) {
	s := New()
	s.Increment(TLBMiss)
	s.Increment(TLBMiss)
	s.Increment(TLBMissFree)

	if got := s.Get(TLBMiss); got != 2 {
		t.Fatalf("TLBMiss = %d, want 2", got)
	}
	if got := s.Get(TLBMissFree); got != 1 {
		t.Fatalf("TLBMissFree = %d, want 1", got)
	}
	if got := s.Get(TLBMissReplace); got != 0 {
		t.Fatalf("TLBMissReplace = %d, want 0", got)
	}
}

func TestIncrementNoopWhenInactive(t *testing.T) {
	s := New()
	var buf strings.Builder
	s.Show(&buf) // deactivates

	s.Increment(TLBMiss)
	if got := s.Get(TLBMiss); got != 0 {
		t.Fatalf("increment after Show should be a no-op, got %d", got)
	}
}

// TestIdentitiesHoldWhenConsistent covers P6: the three cross-counter identities from
// spec.md §4.1 must hold whenever the counters were driven consistently.
func TestIdentitiesHoldWhenConsistent(t *testing.T) {
	s := New()

	s.Increment(TLBMissFree)
	s.Increment(TLBMissFree)
	s.Increment(TLBMissReplace)
	for i := 0; i < 3; i++ {
		s.Increment(TLBMiss)
	}

	s.Increment(TLBReload)
	s.Increment(PageFaultZero)
	s.Increment(PageFaultDisk)

	s.Increment(PageFaultELF)
	// PageFaultDisk must equal PageFaultELF + PageFaultSwapfile; currently
	// PageFaultDisk=1, PageFaultELF=1, PageFaultSwapfile=0 -> holds.

	if failures := s.CheckIdentities(); len(failures) != 0 {
		t.Fatalf("expected all identities to hold, got failures: %v", failures)
	}
}

func TestIdentitiesReportViolation(t *testing.T) {
	s := New()
	s.Increment(TLBMiss) // no corresponding TLBMissFree/TLBMissReplace

	failures := s.CheckIdentities()
	if len(failures) == 0 {
		t.Fatal("expected a reported identity violation")
	}
}

func TestShowPrintsEveryCounterAndWarnings(t *testing.T) {
	s := New()
	s.Increment(TLBMiss)

	var buf strings.Builder
	s.Show(&buf)
	out := buf.String()

	for i := Index(0); i < numCounters; i++ {
		if !strings.Contains(out, names[i]) {
			t.Errorf("Show output missing counter name %q", names[i])
		}
	}
	if !strings.Contains(out, "WARNING") {
		t.Error("expected a WARNING line for the broken TLB_MISS identity")
	}
}
