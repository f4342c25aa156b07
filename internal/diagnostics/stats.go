// Package diagnostics is the read side of the cache engine: rolling
// counters, timing percentiles and a weighted health score. Nothing in this
// package mutates cache state, and nothing in it fails: missing inputs
// produce zeroed or unknown fields instead of errors.
package diagnostics

import (
	"sync/atomic"
	"time"

	"dayfeed/internal/clock"
)

// StatsSources are the live read-only probes the stats report pulls from.
// Any of them may be nil.
type StatsSources struct {
	QueueDepth    func() int
	QueueCounters func() (drained, dropped uint64)
	ContentAge    func() (time.Duration, bool)
}

// StatsReport is a point-in-time counter rollup.
type StatsReport struct {
	Hits          uint64        `json:"hits"`
	Misses        uint64        `json:"misses"`
	HitRate       float64       `json:"hit_rate"`
	Fetches       uint64        `json:"fetches"`
	FetchFailures uint64        `json:"fetch_failures"`
	ContentAge    time.Duration `json:"content_age"`
	HasContent    bool          `json:"has_content"`
	QueueDepth    int           `json:"queue_depth"`
	QueueDrained  uint64        `json:"queue_drained"`
	QueueDropped  uint64        `json:"queue_dropped"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// Stats accumulates cache access and fetch counters.
type Stats struct {
	clock clock.Clock
	src   StatsSources

	hits          atomic.Uint64
	misses        atomic.Uint64
	fetches       atomic.Uint64
	fetchFailures atomic.Uint64
}

// NewStats creates a Stats collector.
func NewStats(clk clock.Clock, src StatsSources) *Stats {
	if clk == nil {
		clk = clock.System{}
	}
	return &Stats{clock: clk, src: src}
}

// RecordHit and RecordMiss implement the content store's AccessRecorder.
func (s *Stats) RecordHit()  { s.hits.Add(1) }
func (s *Stats) RecordMiss() { s.misses.Add(1) }

// RecordFetch counts a provider fetch and whether it failed.
func (s *Stats) RecordFetch(err error) {
	s.fetches.Add(1)
	if err != nil {
		s.fetchFailures.Add(1)
	}
}

// Report assembles the current counters. Never fails; absent sources leave
// zero values.
func (s *Stats) Report() StatsReport {
	r := StatsReport{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Fetches:       s.fetches.Load(),
		FetchFailures: s.fetchFailures.Load(),
		GeneratedAt:   s.clock.Now(),
	}
	if total := r.Hits + r.Misses; total > 0 {
		r.HitRate = float64(r.Hits) / float64(total)
	}
	if s.src.QueueDepth != nil {
		r.QueueDepth = s.src.QueueDepth()
	}
	if s.src.QueueCounters != nil {
		r.QueueDrained, r.QueueDropped = s.src.QueueCounters()
	}
	if s.src.ContentAge != nil {
		r.ContentAge, r.HasContent = s.src.ContentAge()
	}
	return r
}

// HitRate returns the observed hit rate and whether any traffic was seen.
func (s *Stats) HitRate() (float64, bool) {
	hits, misses := s.hits.Load(), s.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0, false
	}
	return float64(hits) / float64(total), true
}

// ErrorRate returns the fetch failure rate and whether any fetch happened.
func (s *Stats) ErrorRate() (float64, bool) {
	fetches := s.fetches.Load()
	if fetches == 0 {
		return 0, false
	}
	return float64(s.fetchFailures.Load()) / float64(fetches), true
}
