package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"dayfeed/internal/feed"
)

// MetadataStore serializes all reads and writes of the shared CacheMetadata
// record. Maintenance and the scheduler both touch metadata; funnelling every
// mutation through Update keeps a single writer at a time.
type MetadataStore struct {
	kv KV

	mu     sync.Mutex
	cached feed.CacheMetadata
	loaded bool
}

// NewMetadataStore creates a MetadataStore over kv.
func NewMetadataStore(kv KV) *MetadataStore {
	return &MetadataStore{kv: kv}
}

// Load reads the persisted metadata record. An absent record yields the zero
// value, not an error.
func (m *MetadataStore) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *MetadataStore) loadLocked() error {
	raw, err := m.kv.Get(KeyMetadata)
	if errors.Is(err, ErrNotFound) {
		m.cached = feed.CacheMetadata{}
		m.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading metadata: %w", err)
	}
	var md feed.CacheMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	m.cached = md
	m.loaded = true
	return nil
}

// Snapshot returns a copy of the current metadata.
func (m *MetadataStore) Snapshot() feed.CacheMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if err := m.loadLocked(); err != nil {
			return feed.CacheMetadata{}
		}
	}
	return m.cached
}

// Update applies fn to the metadata record and persists the result.
func (m *MetadataStore) Update(fn func(*feed.CacheMetadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if err := m.loadLocked(); err != nil {
			return err
		}
	}
	md := m.cached
	fn(&md)
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := m.kv.Set(KeyMetadata, raw); err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}
	m.cached = md
	return nil
}

// Reset clears the persisted record and the cached copy. Used by the
// maintenance engine's wipe-and-reset migration.
func (m *MetadataStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kv.Remove(KeyMetadata); err != nil {
		return fmt.Errorf("resetting metadata: %w", err)
	}
	m.cached = feed.CacheMetadata{}
	m.loaded = true
	return nil
}
