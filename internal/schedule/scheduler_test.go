package schedule

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dayfeed/internal/feed"
	"dayfeed/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestNextMidnightPlainDay(t *testing.T) {
	now := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	next, err := NextMidnight(now, "UTC")
	if err != nil {
		t.Fatalf("NextMidnight: %v", err)
	}
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextMidnightMonthRollover(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	next, err := NextMidnight(now, "UTC")
	if err != nil {
		t.Fatalf("NextMidnight: %v", err)
	}
	want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextMidnightSpringForwardGap(t *testing.T) {
	// São Paulo DST started 2018-11-04: clocks jumped from 00:00 straight to
	// 01:00, so midnight of Nov 4 never existed.
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	now := time.Date(2018, 11, 3, 22, 0, 0, 0, loc)

	next, err := NextMidnight(now, "America/Sao_Paulo")
	if err != nil {
		t.Fatalf("NextMidnight: %v", err)
	}
	if !next.After(now) {
		t.Fatalf("next %v not after now %v", next, now)
	}
	local := next.In(loc)
	if y, m, d := local.Date(); y != 2018 || m != time.November || d != 4 {
		t.Fatalf("next local date = %v, want 2018-11-04", local)
	}
	// The boundary was clamped to the first valid instant after the gap.
	if local.Hour() != 1 || local.Minute() != 0 {
		t.Errorf("next local time = %v, want 01:00", local)
	}
}

func TestNextMidnightBadZone(t *testing.T) {
	_, err := NextMidnight(time.Now(), "Not/AZone")
	var tz *feed.TimezoneComputationError
	if !errors.As(err, &tz) {
		t.Fatalf("err = %v, want TimezoneComputationError", err)
	}
}

func TestNextRefreshFallsBackOnBadZone(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := New(storage.NewMetadataStore(storage.NewMemory()), clk, nil, "Not/AZone", 0)

	next := s.NextRefresh()
	want := clk.Now().Add(DefaultFallbackInterval)
	if !next.Equal(want) {
		t.Errorf("fallback next = %v, want %v", next, want)
	}
}

func TestSnapshot(t *testing.T) {
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	clk := &fakeClock{now: time.Date(2018, 7, 1, 12, 0, 0, 0, loc)}
	s := New(storage.NewMetadataStore(storage.NewMemory()), clk, nil, "America/Sao_Paulo", 0)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ZoneID != "America/Sao_Paulo" {
		t.Errorf("ZoneID = %s", snap.ZoneID)
	}
	if snap.OffsetMinutes != -180 {
		t.Errorf("OffsetMinutes = %d, want -180 (winter, no DST)", snap.OffsetMinutes)
	}
	if snap.DSTActive {
		t.Error("DSTActive = true in July (southern hemisphere winter)")
	}
}

func TestCheckDriftOnDSTTransition(t *testing.T) {
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	meta := storage.NewMetadataStore(storage.NewMemory())
	clk := &fakeClock{now: time.Date(2018, 11, 3, 12, 0, 0, 0, loc)}
	s := New(meta, clk, nil, "America/Sao_Paulo", 0)

	// First observation stores the snapshot and reports neither drift nor
	// refresh.
	if drifted, refresh := s.CheckDrift(true); drifted || refresh {
		t.Errorf("first observation = (%t, %t), want (false, false)", drifted, refresh)
	}
	stored := meta.Snapshot().TimezoneSnapshot
	if stored == nil || stored.DSTActive {
		t.Fatalf("stored snapshot = %+v, want non-DST", stored)
	}

	// Cross the spring-forward transition with fresh content: the drift is
	// reported and the snapshot updated, but no fetch happens.
	clk.Set(time.Date(2018, 11, 5, 12, 0, 0, 0, loc))
	if drifted, refresh := s.CheckDrift(false); !drifted || refresh {
		t.Errorf("fresh-content drift = (%t, %t), want (true, false)", drifted, refresh)
	}
	stored = meta.Snapshot().TimezoneSnapshot
	if stored == nil || !stored.DSTActive {
		t.Fatalf("stored snapshot = %+v, want DST active", stored)
	}

	// No further drift: stale content alone does not refresh here.
	if drifted, refresh := s.CheckDrift(true); drifted || refresh {
		t.Errorf("repeat check = (%t, %t), want (false, false)", drifted, refresh)
	}
}

func TestCheckDriftWithStaleContentRefreshesOnce(t *testing.T) {
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	meta := storage.NewMetadataStore(storage.NewMemory())
	clk := &fakeClock{now: time.Date(2018, 11, 3, 12, 0, 0, 0, loc)}
	s := New(meta, clk, nil, "America/Sao_Paulo", 0)

	s.CheckDrift(false) // seed snapshot

	clk.Set(time.Date(2018, 11, 5, 12, 0, 0, 0, loc))
	if drifted, refresh := s.CheckDrift(true); !drifted || !refresh {
		t.Fatalf("stale-content drift = (%t, %t), want (true, true)", drifted, refresh)
	}
	// Exactly one: the updated snapshot stops the second trigger.
	if drifted, refresh := s.CheckDrift(true); drifted || refresh {
		t.Errorf("second check = (%t, %t), want (false, false)", drifted, refresh)
	}
}
