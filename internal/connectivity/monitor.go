// Package connectivity watches whether the content backend is reachable and
// fans out online/offline transition events.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeInterval is how often the monitor probes when not configured.
const DefaultProbeInterval = 30 * time.Second

// Observer is the contract consumers depend on. The sync coordinator drains
// its queue on every offline-to-online transition.
type Observer interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Prober answers a single reachability check. Implemented by the provider
// client.
type Prober interface {
	Ping(ctx context.Context) bool
}

// Monitor probes the backend on an interval and notifies subscribers on
// state transitions. Callbacks run on the monitor goroutine and must only
// enqueue work, never block.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	known  bool
	subs   map[int]func(bool)
	nextID int
}

// NewMonitor creates a Monitor. interval <= 0 selects DefaultProbeInterval.
func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]func(bool)),
	}
}

// Run probes until ctx is cancelled. The first probe happens immediately so
// startup sees a real state instead of a default.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs one probe and applies the result.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.prober.Ping(ctx)
	m.setOnline(online)
	return online
}

// Online reports the last observed state. Before the first probe it is
// pessimistic.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.online
}

// Subscribe registers fn for transition events and returns an unsubscribe
// func. fn is also invoked once with the current state if one is known.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	known, online := m.known, m.online
	m.mu.Unlock()

	if known {
		fn(online)
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	first := !m.known
	m.known = true
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if !first {
		m.logger.Info("connectivity changed", "online", online)
	}
	for _, fn := range fns {
		fn(online)
	}
}
