// Package content owns the cached content state: the single current item,
// the previous-day fallback, and the bounded history ring.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dayfeed/internal/clock"
	"dayfeed/internal/feed"
	"dayfeed/internal/storage"
)

// Defaults for the cache limits.
const (
	DefaultHistoryCap = 7
	DefaultByteBudget = 512 << 10 // 512KiB across current, previous and history payloads
	DefaultTTL        = 24 * time.Hour
)

// AccessRecorder receives hit/miss signals from Get. Implemented by the
// diagnostics stats collector; optional.
type AccessRecorder interface {
	RecordHit()
	RecordMiss()
}

// Config bounds the store.
type Config struct {
	HistoryCap int
	ByteBudget int
	DefaultTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.ByteBudget <= 0 {
		c.ByteBudget = DefaultByteBudget
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
}

// Store holds the current item, the previous-day fallback and the history
// ring, persisting each through the key-value store. All in-memory state is
// kept authoritative: if a persist fails the operation reports the storage
// error but reads keep serving the updated state.
type Store struct {
	kv       storage.KV
	meta     *storage.MetadataStore
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config
	recorder AccessRecorder

	mu       sync.RWMutex
	current  *feed.ContentItem
	previous *feed.ContentItem
	history  []feed.HistoryEntry
}

// New creates a Store. meta may be nil when no shared metadata record is
// wired (tests); recorder may be nil.
func New(kv storage.KV, meta *storage.MetadataStore, clk clock.Clock, logger *slog.Logger, cfg Config) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Store{
		kv:     kv,
		meta:   meta,
		clock:  clk,
		logger: logger,
		cfg:    cfg,
	}
}

// SetRecorder wires the diagnostics hit/miss recorder.
func (s *Store) SetRecorder(r AccessRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Load restores persisted state. Absent keys are fine; undecodable blobs are
// dropped with a warning rather than failing the load, so a corrupt entry
// can never brick the cache.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadItem(storage.KeyCurrentItem)
	if err != nil {
		return err
	}
	prev, err := s.loadItem(storage.KeyPreviousItem)
	if err != nil {
		return err
	}

	var history []feed.HistoryEntry
	raw, err := s.kv.Get(storage.KeyHistory)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return &feed.StorageError{Op: "get", Key: storage.KeyHistory, Err: err}
	default:
		if uerr := json.Unmarshal(raw, &history); uerr != nil {
			s.logger.Warn("dropping undecodable history blob", "error", uerr)
			history = nil
		}
	}

	s.current = cur
	s.previous = prev
	s.history = history
	if len(s.history) > s.cfg.HistoryCap {
		s.history = s.history[len(s.history)-s.cfg.HistoryCap:]
	}
	return nil
}

func (s *Store) loadItem(key string) (*feed.ContentItem, error) {
	raw, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &feed.StorageError{Op: "get", Key: key, Err: err}
	}
	var item feed.ContentItem
	if err := json.Unmarshal(raw, &item); err != nil {
		s.logger.Warn("dropping undecodable content blob", "key", key, "error", err)
		return nil, nil
	}
	return &item, nil
}

// Get returns the current item while it is fresh, then the previous-day
// fallback, then the newest history entry, then nil. It never fails on an
// empty cache.
func (s *Store) Get() *feed.ContentItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	if s.current != nil && s.current.Fresh(now) {
		if s.recorder != nil {
			s.recorder.RecordHit()
		}
		item := *s.current
		return &item
	}
	if s.previous != nil {
		if s.recorder != nil {
			s.recorder.RecordHit()
		}
		item := s.previous.AsFallback()
		return &item
	}
	if n := len(s.history); n > 0 {
		if s.recorder != nil {
			s.recorder.RecordHit()
		}
		item := s.history[n-1].Item.AsFallback()
		return &item
	}
	if s.recorder != nil {
		s.recorder.RecordMiss()
	}
	return nil
}

// Put validates and installs item as the new current content. The existing
// current item is pushed into history (oldest evicted beyond the cap or the
// byte budget) and metadata lastSyncAt is stamped.
func (s *Store) Put(item feed.ContentItem) error {
	if len(item.Payload) == 0 {
		return feed.ErrEmptyPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if item.FetchedAt.IsZero() {
		item.FetchedAt = now
	}
	if item.ExpiresAt.IsZero() {
		item.ExpiresAt = item.FetchedAt.Add(s.cfg.DefaultTTL)
	}

	if s.current != nil {
		s.history = append(s.history, feed.HistoryEntry{Item: *s.current, RetrievedAt: now})
		if len(s.history) > s.cfg.HistoryCap {
			s.history = s.history[len(s.history)-s.cfg.HistoryCap:]
		}
	}
	s.evictOverBudgetLocked(len(item.Payload))
	s.current = &item

	err := s.persistLocked()

	if s.meta != nil {
		if merr := s.meta.Update(func(md *feed.CacheMetadata) { md.LastSyncAt = now }); merr != nil {
			s.logger.Warn("stamping lastSyncAt failed", "error", merr)
		}
	}
	return err
}

// evictOverBudgetLocked drops oldest history entries until the payload bytes
// of incoming + previous + history fit the budget. The incoming item itself
// is never rejected.
func (s *Store) evictOverBudgetLocked(incoming int) {
	total := incoming
	if s.previous != nil {
		total += len(s.previous.Payload)
	}
	for _, h := range s.history {
		total += len(h.Item.Payload)
	}
	for total > s.cfg.ByteBudget && len(s.history) > 0 {
		total -= len(s.history[0].Item.Payload)
		s.history = s.history[1:]
	}
}

// ArchiveCurrent demotes the current item to the previous-day slot. Used at
// day rollover so the expiring item stays reachable as a fallback.
func (s *Store) ArchiveCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	s.previous = s.current
	s.current = nil
	return s.persistLocked()
}

// Clear removes the current item only; history and the previous-day fallback
// stay intact.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	if err := s.kv.Remove(storage.KeyCurrentItem); err != nil {
		return &feed.StorageError{Op: "remove", Key: storage.KeyCurrentItem, Err: err}
	}
	return nil
}

// Reset wipes current, previous and history. Used by the maintenance
// engine's wipe-and-reset migration.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	s.previous = nil
	s.history = nil
	var firstErr error
	for _, key := range []string{storage.KeyCurrentItem, storage.KeyPreviousItem, storage.KeyHistory} {
		if err := s.kv.Remove(key); err != nil && firstErr == nil {
			firstErr = &feed.StorageError{Op: "remove", Key: key, Err: err}
		}
	}
	return firstErr
}

// History returns up to limit entries, oldest first. limit <= 0 returns all.
func (s *Store) History(limit int) []feed.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]feed.HistoryEntry, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Stale reports whether a refresh is needed: no current item, or the current
// item past its TTL.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current == nil || !s.current.Fresh(s.clock.Now())
}

// CurrentAge returns the age of the current item, or false when there is
// none.
func (s *Store) CurrentAge() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0, false
	}
	return s.clock.Now().Sub(s.current.FetchedAt), true
}

// PruneExpired removes history entries and the previous-day fallback once
// they have been expired for longer than retention, and re-applies the cap
// and byte budget. It reports whether anything changed. The maintenance
// engine calls this as a safety net mirroring Put's own enforcement.
func (s *Store) PruneExpired(retention time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	changed := false

	if s.previous != nil && now.Sub(s.previous.ExpiresAt) > retention {
		s.previous = nil
		changed = true
	}

	kept := s.history[:0]
	for _, h := range s.history {
		if now.Sub(h.Item.ExpiresAt) > retention {
			changed = true
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept

	if len(s.history) > s.cfg.HistoryCap {
		s.history = s.history[len(s.history)-s.cfg.HistoryCap:]
		changed = true
	}
	before := len(s.history)
	incoming := 0
	if s.current != nil {
		incoming = len(s.current.Payload)
	}
	s.evictOverBudgetLocked(incoming)
	if len(s.history) != before {
		changed = true
	}

	if !changed {
		return false, nil
	}
	return true, s.persistLocked()
}

// VerifyIntegrity re-decodes every persisted blob and reports the first
// failure. Read-only; feeds the health report.
func (s *Store) VerifyIntegrity() error {
	for _, key := range []string{storage.KeyCurrentItem, storage.KeyPreviousItem} {
		raw, err := s.kv.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return &feed.StorageError{Op: "get", Key: key, Err: err}
		}
		var item feed.ContentItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("undecodable blob at %q: %w", key, err)
		}
	}
	raw, err := s.kv.Get(storage.KeyHistory)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &feed.StorageError{Op: "get", Key: storage.KeyHistory, Err: err}
	}
	var history []feed.HistoryEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return fmt.Errorf("undecodable blob at %q: %w", storage.KeyHistory, err)
	}
	return nil
}

func (s *Store) persistLocked() error {
	var firstErr error

	save := func(key string, item *feed.ContentItem) {
		if item == nil {
			if err := s.kv.Remove(key); err != nil && firstErr == nil {
				firstErr = &feed.StorageError{Op: "remove", Key: key, Err: err}
			}
			return
		}
		raw, err := json.Marshal(item)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("encoding %q: %w", key, err)
			}
			return
		}
		if err := s.kv.Set(key, raw); err != nil && firstErr == nil {
			firstErr = &feed.StorageError{Op: "set", Key: key, Err: err}
		}
	}

	save(storage.KeyCurrentItem, s.current)
	save(storage.KeyPreviousItem, s.previous)

	raw, err := json.Marshal(s.history)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("encoding history: %w", err)
		}
	} else if err := s.kv.Set(storage.KeyHistory, raw); err != nil && firstErr == nil {
		firstErr = &feed.StorageError{Op: "set", Key: storage.KeyHistory, Err: err}
	}

	if firstErr != nil {
		s.logger.Warn("persisting content state failed, in-memory state still serves reads", "error", firstErr)
	}
	return firstErr
}
