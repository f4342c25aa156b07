// Package feed defines the domain types shared by the content cache engine:
// the cached content item, its bounded history, the pending sync queue
// entries, and the cache metadata record.
package feed

import "time"

// ContentItem is a single piece of daily content. Items are immutable once
// created; a newer item replaces the current one, it is never mutated in
// place.
type ContentItem struct {
	ID              string    `json:"id"`
	Payload         []byte    `json:"payload"`
	ContentDate     time.Time `json:"content_date"`
	FetchedAt       time.Time `json:"fetched_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	IsFallback      bool      `json:"is_fallback"`
	ConfidenceScore float64   `json:"confidence_score"`
}

// Fresh reports whether the item is still within its TTL at the given instant.
func (c *ContentItem) Fresh(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// AsFallback returns a copy of the item marked as fallback content.
func (c ContentItem) AsFallback() ContentItem {
	c.IsFallback = true
	return c
}

// HistoryEntry is a content item retained in the bounded history ring.
type HistoryEntry struct {
	Item        ContentItem `json:"item"`
	RetrievedAt time.Time   `json:"retrieved_at"`
}

// PendingInteraction is a write-through operation that failed and is waiting
// in the sync queue. Only the sync coordinator mutates it: attempt increments
// and reschedules on retryable failure, removal on success or when attempts
// exceed the configured maximum.
type PendingInteraction struct {
	ID            string    `json:"id"`
	Payload       []byte    `json:"payload"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// TimezoneSnapshot records the device timezone at a point in time so the
// scheduler can detect offset and DST drift between checks.
type TimezoneSnapshot struct {
	OffsetMinutes int       `json:"offset_minutes"`
	ZoneID        string    `json:"zone_id"`
	DSTActive     bool      `json:"dst_active"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Equal reports whether two snapshots describe the same timezone state.
// CapturedAt is ignored; only offset and DST participation matter for drift.
func (s TimezoneSnapshot) Equal(other TimezoneSnapshot) bool {
	return s.OffsetMinutes == other.OffsetMinutes && s.DSTActive == other.DSTActive
}

// CacheMetadata is the shared bookkeeping record for the cache. SchemaVersion
// only increases; a stored version below the running code's expected version
// triggers a full wipe-and-reset migration.
type CacheMetadata struct {
	SchemaVersion    int               `json:"schema_version"`
	LastCleanupAt    time.Time         `json:"last_cleanup_at"`
	LastSyncAt       time.Time         `json:"last_sync_at"`
	LastInitAt       time.Time         `json:"last_init_at"`
	LastInitError    string            `json:"last_init_error,omitempty"`
	TimezoneSnapshot *TimezoneSnapshot `json:"timezone_snapshot,omitempty"`
}
