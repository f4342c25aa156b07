package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dayfeed/internal/clock"
	"dayfeed/internal/content"
	"dayfeed/internal/feed"
	"dayfeed/internal/lifecycle"
	"dayfeed/internal/maintenance"
	"dayfeed/internal/provider"
	"dayfeed/internal/schedule"
	"dayfeed/internal/storage"
	"dayfeed/internal/syncq"
)

const testToken = "test-token"

type stubProvider struct{}

func (stubProvider) FetchLatest(ctx context.Context, params provider.FetchParams) (feed.ContentItem, error) {
	now := time.Now().UTC()
	return feed.ContentItem{
		ID:        "api-item",
		Payload:   []byte(`{"title":"today"}`),
		FetchedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}, nil
}

type stubSubmitter struct{}

func (stubSubmitter) SubmitInteraction(ctx context.Context, payload []byte) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	kv := storage.NewMemory()
	clk := clock.System{}
	meta := storage.NewMetadataStore(kv)
	store := content.New(kv, meta, clk, nil, content.Config{})
	queue := syncq.New(kv, stubSubmitter{}, nil, clk, nil, syncq.Config{})
	maint := maintenance.New(store, meta, clk, nil, maintenance.Config{})
	sched := schedule.New(meta, clk, nil, "UTC", 0)

	o := lifecycle.New(lifecycle.Deps{
		Store:       store,
		Queue:       queue,
		Maintenance: maint,
		Scheduler:   sched,
		Provider:    stubProvider{},
		Clock:       clk,
	}, lifecycle.Config{})
	if _, err := o.Initialize(context.Background(), lifecycle.InitContext{TestMode: true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(o.Dispose)

	srv := httptest.NewServer(NewHandler(Deps{Orchestrator: o, Token: testToken}))
	t.Cleanup(srv.Close)
	return srv
}

func doGet(t *testing.T, srv *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doPost(t *testing.T, srv *httptest.Server, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthNoAuth(t *testing.T) {
	srv := newTestServer(t)
	resp := doGet(t, srv, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	if resp := doGet(t, srv, "/v1/feed/current", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp := doGet(t, srv, "/v1/feed/current", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestCurrentEmptyThenRefresh(t *testing.T) {
	srv := newTestServer(t)

	if resp := doGet(t, srv, "/v1/feed/current", testToken); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty cache: status = %d, want 404", resp.StatusCode)
	}

	resp := doPost(t, srv, "/v1/feed/refresh", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status = %d, want 200", resp.StatusCode)
	}

	resp = doGet(t, srv, "/v1/feed/current", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after refresh: status = %d, want 200", resp.StatusCode)
	}
	var item feed.ContentItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.ID != "api-item" {
		t.Errorf("item id = %q, want api-item", item.ID)
	}
}

func TestInteractionAcceptedAndDrained(t *testing.T) {
	srv := newTestServer(t)

	resp := doPost(t, srv, "/v1/interactions", []byte(`{"payload":{"kind":"view"}}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("interaction: status = %d, want 202", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["id"] == "" || out["status"] != "queued" {
		t.Errorf("response = %v, want id and status=queued", out)
	}

	if resp := doPost(t, srv, "/v1/queue/drain", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("drain: status = %d, want 200", resp.StatusCode)
	}
}

func TestInteractionRejectsEmptyPayload(t *testing.T) {
	srv := newTestServer(t)

	resp := doPost(t, srv, "/v1/interactions", []byte(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDiagnosticsAndStatus(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/v1/diagnostics/health",
		"/v1/diagnostics/stats",
		"/v1/diagnostics/performance",
	} {
		if resp := doGet(t, srv, path, testToken); resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, resp.StatusCode)
		}
	}

	resp := doGet(t, srv, "/v1/status", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint: %d, want 200", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["state"] != "ready" {
		t.Errorf("state = %v, want ready", status["state"])
	}
}

func TestMaintenanceRun(t *testing.T) {
	srv := newTestServer(t)

	if resp := doPost(t, srv, "/v1/maintenance/run", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("maintenance: status = %d, want 200", resp.StatusCode)
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	srv := newTestServer(t)

	resp := doGet(t, srv, "/v1/feed/history", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status = %d, want 200", resp.StatusCode)
	}
	var entries []feed.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("entries = %v, want empty array", entries)
	}
}
