package content

import (
	"errors"
	"fmt"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock, *storage.Memory) {
	t.Helper()
	kv := storage.NewMemory()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s := New(kv, storage.NewMetadataStore(kv), clk, nil, cfg)
	return s, clk, kv
}

func testItem(id string, ttl time.Duration, clk *fakeClock) feed.ContentItem {
	now := clk.Now()
	return feed.ContentItem{
		ID:              id,
		Payload:         []byte("payload-" + id),
		ContentDate:     now.Truncate(24 * time.Hour),
		FetchedAt:       now,
		ExpiresAt:       now.Add(ttl),
		ConfidenceScore: 0.9,
	}
}

func TestGetEmptyCache(t *testing.T) {
	s, _, _ := newTestStore(t, Config{})
	if got := s.Get(); got != nil {
		t.Fatalf("Get on empty cache = %+v, want nil", got)
	}
}

func TestPutRejectsEmptyPayload(t *testing.T) {
	s, clk, _ := newTestStore(t, Config{})
	item := testItem("a", time.Hour, clk)
	item.Payload = nil
	if err := s.Put(item); !errors.Is(err, feed.ErrEmptyPayload) {
		t.Fatalf("Put with empty payload: err = %v, want ErrEmptyPayload", err)
	}
}

func TestTTLFallbackChain(t *testing.T) {
	s, clk, _ := newTestStore(t, Config{})

	yesterday := testItem("yesterday", time.Hour, clk)
	if err := s.Put(yesterday); err != nil {
		t.Fatalf("Put yesterday: %v", err)
	}
	if err := s.ArchiveCurrent(); err != nil {
		t.Fatalf("ArchiveCurrent: %v", err)
	}

	today := testItem("today", time.Hour, clk)
	if err := s.Put(today); err != nil {
		t.Fatalf("Put today: %v", err)
	}

	// Fresh at T0+30m.
	clk.Advance(30 * time.Minute)
	got := s.Get()
	if got == nil || got.ID != "today" {
		t.Fatalf("Get at +30m = %+v, want today", got)
	}
	if got.IsFallback {
		t.Error("fresh current item marked as fallback")
	}

	// Stale at T0+61m: previous-day fallback.
	clk.Advance(31 * time.Minute)
	got = s.Get()
	if got == nil || got.ID != "yesterday" {
		t.Fatalf("Get at +61m = %+v, want yesterday fallback", got)
	}
	if !got.IsFallback {
		t.Error("previous-day item not marked as fallback")
	}
}

func TestHistoryFallbackWhenNoPrevious(t *testing.T) {
	s, clk, _ := newTestStore(t, Config{})

	old := testItem("old", time.Hour, clk)
	if err := s.Put(old); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	next := testItem("next", time.Hour, clk)
	if err := s.Put(next); err != nil {
		t.Fatalf("Put next: %v", err)
	}

	// Expire the current item; no previous-day slot was populated, so the
	// newest history entry serves.
	clk.Advance(2 * time.Hour)
	got := s.Get()
	if got == nil || got.ID != "old" {
		t.Fatalf("Get = %+v, want newest history entry old", got)
	}
	if !got.IsFallback {
		t.Error("history fallback not marked as fallback")
	}
}

func TestHistoryCapFIFO(t *testing.T) {
	s, clk, _ := newTestStore(t, Config{HistoryCap: 7})

	for i := 1; i <= 8; i++ {
		if err := s.Put(testItem(fmt.Sprintf("item-%d", i), time.Hour, clk)); err != nil {
			t.Fatalf("Put item-%d: %v", i, err)
		}
	}

	// Puts 2..8 pushed items 1..7 into history; the cap keeps all seven.
	history := s.History(0)
	if len(history) != 7 {
		t.Fatalf("history length = %d, want 7", len(history))
	}
	for i, h := range history {
		want := fmt.Sprintf("item-%d", i+1)
		if h.Item.ID != want {
			t.Errorf("history[%d] = %s, want %s", i, h.Item.ID, want)
		}
	}

	// A ninth put evicts item-1; items 2..8 remain, newest last.
	if err := s.Put(testItem("item-9", time.Hour, clk)); err != nil {
		t.Fatalf("Put item-9: %v", err)
	}
	history = s.History(0)
	if len(history) != 7 {
		t.Fatalf("history length after eviction = %d, want 7", len(history))
	}
	if history[0].Item.ID != "item-2" {
		t.Errorf("oldest entry = %s, want item-2", history[0].Item.ID)
	}
	if history[6].Item.ID != "item-8" {
		t.Errorf("newest entry = %s, want item-8", history[6].Item.ID)
	}
}

func TestHistoryLimit(t *testing.T) {
	s, clk, _ := newTestStore(t, Config{})
	for i := 1; i <= 5; i++ {
		if err := s.Put(testItem(fmt.Sprintf("item-%d", i), time.Hour, clk)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	got := s.History(2)
	if len(got) != 2 {
		t.Fatalf("History(2) length = %d, want 2", len(got))
	}
	if got[0].Item.ID != "item-3" || got[1].Item.ID != "item-4" {
		t.Errorf("History(2) = [%s %s], want [item-3 item-4]", got[0].Item.ID, got[1].Item.ID)
	}
}

func TestByteBudgetEvictsOldestFirst(t *testing.T) {
	// Budget fits the incoming item plus two history entries of 100 bytes.
	s, clk, _ := newTestStore(t, Config{ByteBudget: 320})

	big := func(id string) feed.ContentItem {
		item := testItem(id, time.Hour, clk)
		item.Payload = make([]byte, 100)
		item.Payload[0] = 1
		return item
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Put(big(id)); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	// current=d, history would be [a b c] (300B) + incoming 100B over budget;
	// oldest entries evicted until it fits.
	history := s.History(0)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Item.ID != "b" || history[1].Item.ID != "c" {
		t.Errorf("history = [%s %s], want [b c]", history[0].Item.ID, history[1].Item.ID)
	}
	if got := s.Get(); got == nil || got.ID != "d" {
		t.Fatalf("current = %+v, want d", got)
	}
}

func TestClearLeavesHistory(t *testing.T) {
	s, clk, _ := newTestStore(t, Config{})
	s.Put(testItem("a", time.Hour, clk))
	s.Put(testItem("b", time.Hour, clk))

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Get(); got == nil || got.ID != "a" {
		t.Fatalf("Get after Clear = %+v, want history fallback a", got)
	}
	if len(s.History(0)) != 1 {
		t.Error("history mutated by Clear")
	}
}

func TestLoadRestoresPersistedState(t *testing.T) {
	s, clk, kv := newTestStore(t, Config{})
	s.Put(testItem("a", time.Hour, clk))
	s.Put(testItem("b", time.Hour, clk))
	s.ArchiveCurrent()
	s.Put(testItem("c", time.Hour, clk))

	restored := New(kv, storage.NewMetadataStore(kv), clk, nil, Config{})
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := restored.Get(); got == nil || got.ID != "c" {
		t.Fatalf("restored current = %+v, want c", got)
	}
	history := restored.History(0)
	if len(history) != 1 || history[0].Item.ID != "a" {
		t.Fatalf("restored history = %+v, want [a]", history)
	}

	// Expire current: previous-day slot b must have survived the restart.
	clk.Advance(2 * time.Hour)
	if got := restored.Get(); got == nil || got.ID != "b" {
		t.Fatalf("restored fallback = %+v, want b", got)
	}
}

func TestLoadToleratesCorruptBlobs(t *testing.T) {
	s, clk, kv := newTestStore(t, Config{})
	s.Put(testItem("a", time.Hour, clk))

	kv.Set(storage.KeyHistory, []byte("{not json"))
	kv.Set(storage.KeyPreviousItem, []byte("also not json"))

	restored := New(kv, storage.NewMetadataStore(kv), clk, nil, Config{})
	if err := restored.Load(); err != nil {
		t.Fatalf("Load with corrupt blobs: %v", err)
	}
	if got := restored.Get(); got == nil || got.ID != "a" {
		t.Fatalf("Get = %+v, want a", got)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	s, clk, kv := newTestStore(t, Config{})
	s.Put(testItem("a", time.Hour, clk))

	if err := s.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity on healthy store: %v", err)
	}

	kv.Set(storage.KeyCurrentItem, []byte("garbage"))
	if err := s.VerifyIntegrity(); err == nil {
		t.Fatal("VerifyIntegrity did not report corrupt blob")
	}
}

func TestPutStampsLastSync(t *testing.T) {
	kv := storage.NewMemory()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	meta := storage.NewMetadataStore(kv)
	s := New(kv, meta, clk, nil, Config{})

	if err := s.Put(testItem("a", time.Hour, clk)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := meta.Snapshot().LastSyncAt; !got.Equal(clk.Now()) {
		t.Errorf("LastSyncAt = %v, want %v", got, clk.Now())
	}
}
