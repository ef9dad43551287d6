package vmstats

import (
	"io"

	"github.com/google/pprof/profile"
)

// WriteProfile serializes a snapshot of the ten counters as a
// github.com/google/pprof/profile.Profile sample, so the same offline
// profile-analysis tooling the rest of the pack depends on google/pprof for
// can be pointed at this module's statistics alongside CPU/heap profiles.
func (s *Stats) WriteProfile(w io.Writer) error {
	p := &profile.Profile{
		SampleType: make([]*profile.ValueType, 0, numCounters),
		PeriodType: &profile.ValueType{Type: "vmstats", Unit: "count"},
		Period:     1,
	}

	values := make([]int64, numCounters)
	for i := Index(0); i < numCounters; i++ {
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: names[i], Unit: "count"})
		values[i] = s.Get(i)
	}

	p.Sample = []*profile.Sample{
		{
			Value:    values,
			Location: nil,
		},
	}

	return p.Write(w)
}
