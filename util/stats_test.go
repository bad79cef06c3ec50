package util

import (
	"math"
	"testing"
)

func TestStatsResult(t *testing.T) {
	s := NewStats(16, nil)
	s.Add(1, 2, 3, 4)

	r := s.Result()
	if r.Min != 1 || r.Max != 4 {
		t.Fatalf("min/max = %v/%v, want 1/4", r.Min, r.Max)
	}
	if r.Avg != 2.5 {
		t.Fatalf("avg = %v, want 2.5", r.Avg)
	}
	if math.Abs(r.StdDev-math.Sqrt(1.25)) > 1e-9 {
		t.Fatalf("stddev = %v", r.StdDev)
	}
}

func TestStatsBatchCallback(t *testing.T) {
	var batches []Result
	s := NewStats(2, func(r Result) { batches = append(batches, r) })

	s.Add(10)
	if len(batches) != 0 {
		t.Fatal("callback fired before the batch filled")
	}
	s.Add(20)
	if len(batches) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(batches))
	}
	if s.Len() != 0 {
		t.Fatal("batch not reset after the callback")
	}
	if batches[0].Min != 10 || batches[0].Max != 20 {
		t.Fatalf("bad batch result: %+v", batches[0])
	}
}
