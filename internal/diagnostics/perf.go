package diagnostics

import (
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Operation categories tracked by the performance report.
const (
	CategoryFetch = "fetch"
	CategoryPut   = "put"
	CategoryDrain = "drain"
)

// maxSamplesPerCategory bounds memory; oldest samples roll off.
const maxSamplesPerCategory = 256

// CategoryStats is the percentile rollup for one operation category.
type CategoryStats struct {
	Count int           `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// ProcessStats describes the engine process itself. Zeroed when the probes
// fail.
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// PerfReport is the full performance rollup.
type PerfReport struct {
	Categories  map[string]CategoryStats `json:"categories"`
	Process     ProcessStats             `json:"process"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// Perf collects bounded timing samples per operation category.
type Perf struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
	proc    *process.Process
}

// NewPerf creates a Perf tracker.
func NewPerf() *Perf {
	// Process handle failures are tolerated; the report just zeroes the
	// process section.
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Perf{
		samples: make(map[string][]time.Duration),
		proc:    proc,
	}
}

// Observe records one timing sample for the category.
func (p *Perf) Observe(category string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := append(p.samples[category], d)
	if len(s) > maxSamplesPerCategory {
		s = s[len(s)-maxSamplesPerCategory:]
	}
	p.samples[category] = s
}

// Track runs fn and records its duration under category.
func (p *Perf) Track(category string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.Observe(category, time.Since(start))
	return err
}

// Report computes percentile rollups per category plus process stats.
func (p *Perf) Report() PerfReport {
	r := PerfReport{
		Categories:  make(map[string]CategoryStats),
		GeneratedAt: time.Now(),
	}

	p.mu.Lock()
	for category, samples := range p.samples {
		sorted := make([]time.Duration, len(samples))
		copy(sorted, samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		r.Categories[category] = CategoryStats{
			Count: len(sorted),
			P50:   percentile(sorted, 0.50),
			P95:   percentile(sorted, 0.95),
			P99:   percentile(sorted, 0.99),
		}
	}
	p.mu.Unlock()

	r.Process.Goroutines = runtime.NumGoroutine()
	if p.proc != nil {
		if cpu, err := p.proc.CPUPercent(); err == nil {
			r.Process.CPUPercent = cpu
		}
		if mem, err := p.proc.MemoryInfo(); err == nil && mem != nil {
			r.Process.RSSBytes = mem.RSS
		}
	}
	return r
}

// percentile returns the p-th percentile of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
