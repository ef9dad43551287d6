package vmstats

import (
	"bytes"
	"testing"
)

func TestWriteProfileProducesNonEmptyOutput(t *testing.T) {
	s := New()
	s.Increment(TLBMiss)
	s.Increment(SwapfileWrite)

	var buf bytes.Buffer
	if err := s.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty profile bytes")
	}
}
