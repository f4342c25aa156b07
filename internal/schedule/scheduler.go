// Package schedule computes when the next content refresh should happen and
// detects timezone and DST drift between checks. The tzdata embed keeps zone
// math working on hosts without a system timezone database, which is the
// whole point of an offline-first cache.
package schedule

import (
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"dayfeed/internal/clock"
	"dayfeed/internal/feed"
	"dayfeed/internal/storage"
)

// DefaultFallbackInterval is used when the next-boundary computation fails.
const DefaultFallbackInterval = 24 * time.Hour

// Scheduler owns timezone snapshots and refresh boundary computation.
type Scheduler struct {
	clock    clock.Clock
	meta     *storage.MetadataStore
	logger   *slog.Logger
	zoneID   string
	fallback time.Duration
}

// New creates a Scheduler. zoneID may be empty to follow the process-local
// timezone.
func New(meta *storage.MetadataStore, clk clock.Clock, logger *slog.Logger, zoneID string, fallback time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if fallback <= 0 {
		fallback = DefaultFallbackInterval
	}
	return &Scheduler{
		clock:    clk,
		meta:     meta,
		logger:   logger,
		zoneID:   zoneID,
		fallback: fallback,
	}
}

func (s *Scheduler) location() (*time.Location, error) {
	if s.zoneID == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.zoneID)
	if err != nil {
		return nil, &feed.TimezoneComputationError{ZoneID: s.zoneID, Err: err}
	}
	return loc, nil
}

// Snapshot captures the current timezone state.
func (s *Scheduler) Snapshot() (feed.TimezoneSnapshot, error) {
	loc, err := s.location()
	if err != nil {
		return feed.TimezoneSnapshot{}, err
	}
	now := s.clock.Now().In(loc)
	_, offset := now.Zone()
	return feed.TimezoneSnapshot{
		OffsetMinutes: offset / 60,
		ZoneID:        loc.String(),
		DSTActive:     now.IsDST(),
		CapturedAt:    now.UTC(),
	}, nil
}

// NextRefresh returns the next refresh instant: the next local-midnight
// boundary, clamped past any DST gap or overlap. On computation failure it
// logs and falls back to a fixed interval from now so a refresh is always
// scheduled.
func (s *Scheduler) NextRefresh() time.Time {
	now := s.clock.Now()
	next, err := NextMidnight(now, s.zoneID)
	if err != nil {
		s.logger.Warn("next refresh computation failed, using fixed interval",
			"error", err, "interval", s.fallback)
		return now.Add(s.fallback)
	}
	return next
}

// NextMidnight computes the next local-midnight-equivalent boundary after
// now in the given zone (empty for local). A naive boundary landing in a
// spring-forward gap is normalized to the first valid instant after the
// transition; a fall-back overlap resolves to the earlier occurrence.
func NextMidnight(now time.Time, zoneID string) (time.Time, error) {
	loc := time.Local
	if zoneID != "" {
		var err error
		loc, err = time.LoadLocation(zoneID)
		if err != nil {
			return time.Time{}, &feed.TimezoneComputationError{ZoneID: zoneID, Err: err}
		}
	}

	local := now.In(loc)
	y, m, d := local.Date()
	// Normalized components of the following day, independent of month and
	// year rollover.
	wantY, wantM, wantD := time.Date(y, m, d+1, 12, 0, 0, 0, time.UTC).Date()

	next := time.Date(wantY, wantM, wantD, 0, 0, 0, 0, loc)
	// When midnight falls into a spring-forward gap, time.Date lands on a
	// valid instant on one side of the transition but does not guarantee
	// which. Step forward in half-hour increments until the instant is on
	// the target day, i.e. the first valid instant after the transition.
	for i := 0; i < 8; i++ {
		ly, lm, ld := next.In(loc).Date()
		if ly == wantY && lm == wantM && ld == wantD {
			break
		}
		next = next.Add(30 * time.Minute)
	}
	if !next.After(now) {
		return time.Time{}, &feed.TimezoneComputationError{
			ZoneID: loc.String(),
			Err:    fmt.Errorf("computed boundary %v not after %v", next, now),
		}
	}
	return next, nil
}

// CheckDrift compares the current timezone against the stored snapshot. On
// drift it persists the new snapshot, reports the drift so callers can
// recompute the next refresh boundary, and reports whether a refresh should
// run now: only when the content is already stale, so a pure zone change on
// fresh content costs no network fetch.
func (s *Scheduler) CheckDrift(stale bool) (drifted, refresh bool) {
	snap, err := s.Snapshot()
	if err != nil {
		s.logger.Warn("timezone snapshot failed", "error", err)
		return false, false
	}

	stored := s.meta.Snapshot().TimezoneSnapshot
	if stored != nil && snap.Equal(*stored) {
		return false, false
	}

	if uerr := s.meta.Update(func(md *feed.CacheMetadata) { md.TimezoneSnapshot = &snap }); uerr != nil {
		s.logger.Warn("persisting timezone snapshot failed", "error", uerr)
	}
	if stored == nil {
		// First observation, nothing drifted.
		return false, false
	}

	s.logger.Info("timezone drift detected",
		"old_offset_minutes", stored.OffsetMinutes, "new_offset_minutes", snap.OffsetMinutes,
		"old_dst", stored.DSTActive, "new_dst", snap.DSTActive, "stale", stale)
	return true, stale
}
