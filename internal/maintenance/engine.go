// Package maintenance enforces cache limits on an interval and owns the
// wipe-and-reset schema migration policy.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dayfeed/internal/clock"
	"dayfeed/internal/feed"
	"dayfeed/internal/storage"
)

// SchemaVersion is the cache schema the running code expects. A persisted
// version below this triggers a full wipe and reset, never a partial
// upgrade.
const SchemaVersion = 2

// Defaults.
const (
	DefaultInterval  = 6 * time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

// ContentStore is the slice of the content store the engine maintains.
type ContentStore interface {
	PruneExpired(retention time.Duration) (changed bool, err error)
	Reset() error
	VerifyIntegrity() error
}

// Config tunes the engine.
type Config struct {
	Interval        time.Duration
	Retention       time.Duration
	ExpectedVersion int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.ExpectedVersion <= 0 {
		c.ExpectedVersion = SchemaVersion
	}
}

// Engine runs cleanup passes. RunOnce is idempotent: two consecutive runs
// with no intervening writes leave identical cache state.
type Engine struct {
	content ContentStore
	meta    *storage.MetadataStore
	clock   clock.Clock
	logger  *slog.Logger
	cfg     Config

	mu             sync.Mutex
	lastIntegrity  error
	lastIntegrityA time.Time
}

// New creates an Engine.
func New(content ContentStore, meta *storage.MetadataStore, clk clock.Clock, logger *slog.Logger, cfg Config) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		content: content,
		meta:    meta,
		clock:   clk,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run executes RunOnce immediately and then on the configured interval until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if err := e.RunOnce(ctx); err != nil {
		e.logger.Error("maintenance pass failed", "error", err)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error("maintenance pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one maintenance pass: schema migration check, expired
// entry pruning with cap/budget enforcement, integrity verification, and a
// cleanup timestamp.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.Migrate(); err != nil {
		return err
	}

	changed, err := e.content.PruneExpired(e.cfg.Retention)
	if err != nil {
		return fmt.Errorf("pruning expired entries: %w", err)
	}
	if changed {
		e.logger.Info("maintenance pruned cache entries")
	}

	ierr := e.content.VerifyIntegrity()
	e.mu.Lock()
	e.lastIntegrity = ierr
	e.lastIntegrityA = e.clock.Now()
	e.mu.Unlock()
	if ierr != nil {
		e.logger.Warn("cache integrity check failed", "error", ierr)
	}

	now := e.clock.Now()
	if err := e.meta.Update(func(md *feed.CacheMetadata) { md.LastCleanupAt = now }); err != nil {
		return fmt.Errorf("stamping lastCleanupAt: %w", err)
	}
	return nil
}

// Migrate applies the version policy: an absent version is a first install
// and only gets the marker; a version below the expected one wipes all
// cached content and metadata before the marker is written.
func (e *Engine) Migrate() error {
	md := e.meta.Snapshot()
	switch {
	case md.SchemaVersion == e.cfg.ExpectedVersion:
		return nil
	case md.SchemaVersion > e.cfg.ExpectedVersion:
		// Downgraded binary against a newer cache. Wipe as well: the newer
		// layout cannot be trusted to decode.
		e.logger.Warn("stored schema version is ahead of this build, resetting",
			"stored", md.SchemaVersion, "expected", e.cfg.ExpectedVersion)
		return e.wipeAndMark()
	case md.SchemaVersion == 0:
		// First install: nothing to migrate, just record the version.
		return e.meta.Update(func(md *feed.CacheMetadata) { md.SchemaVersion = e.cfg.ExpectedVersion })
	default:
		e.logger.Info("migrating cache schema by wipe-and-reset",
			"stored", md.SchemaVersion, "expected", e.cfg.ExpectedVersion)
		return e.wipeAndMark()
	}
}

func (e *Engine) wipeAndMark() error {
	if err := e.content.Reset(); err != nil {
		return fmt.Errorf("wiping cached content: %w", err)
	}
	if err := e.meta.Reset(); err != nil {
		return fmt.Errorf("wiping metadata: %w", err)
	}
	if err := e.meta.Update(func(md *feed.CacheMetadata) { md.SchemaVersion = e.cfg.ExpectedVersion }); err != nil {
		return fmt.Errorf("writing version marker: %w", err)
	}
	return nil
}

// LastIntegrity returns the most recent integrity check result and when it
// ran. Feeds the health report.
func (e *Engine) LastIntegrity() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastIntegrityA, e.lastIntegrity
}
