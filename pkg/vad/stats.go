package vad

import (
	"sort"
	"sync"
	"time"
)

// processWindow is how many recent classification timings feed the
// percentile figures in reports.
const processWindow = 256

// statsCollector accumulates per-strategy counters and recent
// classification timings. Safe for concurrent use; the hot path is a short
// critical section around a ring write.
type statsCollector struct {
	mu          sync.Mutex
	timings     *timingRing
	processed   int64
	skipped     int64
	dropped     int64
	recoverable int64
	transitions int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{timings: newTimingRing(processWindow)}
}

func (s *statsCollector) recordProcess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.timings.add(d)
}

func (s *statsCollector) recordSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
}

func (s *statsCollector) recordDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

func (s *statsCollector) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverable++
}

func (s *statsCollector) recordTransitions(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions += int64(n)
}

// snapshot returns a self-contained copy of the current counters and timing
// figures.
func (s *statsCollector) snapshot() RawStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg, p95 := s.timings.figures()
	return RawStats{
		FramesProcessed:   s.processed,
		FramesSkipped:     s.skipped,
		FramesDropped:     s.dropped,
		RecoverableErrors: s.recoverable,
		StateTransitions:  s.transitions,
		AvgProcessTime:    avg,
		P95ProcessTime:    p95,
	}
}

// timingRing keeps the most recent classification durations in a fixed-size
// ring.
type timingRing struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newTimingRing(size int) *timingRing {
	return &timingRing{data: make([]time.Duration, size), size: size}
}

func (r *timingRing) add(d time.Duration) {
	r.data[r.pos] = d
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

func (r *timingRing) figures() (avg, p95 time.Duration) {
	n := r.size
	if !r.full {
		n = r.pos
	}
	if n == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return sum / time.Duration(n), percentile(sorted, 95)
}

// percentile returns the nearest-rank percentile of an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (len(sorted)*p + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
