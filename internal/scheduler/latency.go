package scheduler

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencySummary describes the answered probes of one cycle.
type LatencySummary struct {
	Answered int
	P50      time.Duration
	P95      time.Duration
	Max      time.Duration
}

// cycleLatencies collects answered-probe latencies from concurrent tasks.
type cycleLatencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (c *cycleLatencies) observe(d time.Duration) {
	c.mu.Lock()
	c.samples = append(c.samples, d)
	c.mu.Unlock()
}

func (c *cycleLatencies) summary() LatencySummary {
	c.mu.Lock()
	sorted := append([]time.Duration(nil), c.samples...)
	c.mu.Unlock()
	if len(sorted) == 0 {
		return LatencySummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LatencySummary{
		Answered: len(sorted),
		P50:      nearestRank(sorted, 50),
		P95:      nearestRank(sorted, 95),
		Max:      sorted[len(sorted)-1],
	}
}

// nearestRank picks the p-th percentile (0-100) of an ascending, non-empty slice.
func nearestRank(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
