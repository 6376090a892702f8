package peer

import (
	"math"
	"time"
)

// Sampler accumulates running statistics over the intervals between
// successive updates of a record.
type Sampler struct {
	count int
	sum   float64
	min   float64
	max   float64
	last  time.Time
}

// Add records an update at t
func (s *Sampler) Add(t time.Time) {
	if s.last.IsZero() {
		s.last = t
		return
	}

	interval := t.Sub(s.last).Seconds()
	if interval < 0 {
		return
	}
	s.last = t

	if s.count == 0 {
		s.min = interval
		s.max = interval
	} else {
		s.min = math.Min(s.min, interval)
		s.max = math.Max(s.max, interval)
	}
	s.count++
	s.sum += interval
}

// Stats is a point-in-time copy of a Sampler
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Stats returns the current statistics; Mean is zero without samples
func (s *Sampler) Stats() Stats {
	st := Stats{Count: s.count, Min: s.min, Max: s.max}
	if s.count > 0 {
		st.Mean = s.sum / float64(s.count)
	}
	return st
}
