package util

import "math"

// Result is one batch summary produced by Stats.
type Result struct {
	Min    float64
	Max    float64
	Avg    float64
	StdDev float64
}

// Stats accumulates samples and summarizes them per batch of n, invoking
// cb with the batch result. Used by the benchmark harness to report
// round-trip latencies without keeping unbounded history.
type Stats struct {
	xs  []float64
	res Result
	n   int
	cb  func(Result)
}

func NewStats(n int, cb func(Result)) *Stats {
	return &Stats{
		xs: make([]float64, 0, n),
		n:  n,
		cb: cb,
	}
}

func (s *Stats) Add(xs ...float64) {
	s.xs = append(s.xs, xs...)
	if s.cb != nil && len(s.xs) >= s.n {
		s.cb(s.Result())
		s.Reset()
	}
}

func (s *Stats) Reset() {
	s.xs = s.xs[:0]
}

func (s *Stats) Len() int {
	return len(s.xs)
}

func (s *Stats) Result() Result {
	n := len(s.xs)
	s.res = Result{Min: math.MaxFloat64, Max: -math.MaxFloat64}
	if n == 0 {
		return s.res
	}

	for _, x := range s.xs {
		if x > s.res.Max {
			s.res.Max = x
		}
		if x < s.res.Min {
			s.res.Min = x
		}
		s.res.Avg += x
	}
	s.res.Avg /= float64(n)

	for _, x := range s.xs {
		diff := x - s.res.Avg
		s.res.StdDev += diff * diff
	}
	s.res.StdDev = math.Sqrt(s.res.StdDev / float64(n))

	return s.res
}
