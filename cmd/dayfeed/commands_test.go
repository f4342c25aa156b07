package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dayfeed/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClientRefresh(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/feed/refresh": `{"status":"refreshed","content":{"id":"item-1"}}`,
	})

	resp, err := ts.client().post(ctx, "/v1/feed/refresh", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "refreshed" {
		t.Errorf("status = %v, want refreshed", result["status"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/v1/feed/refresh" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestClientInteractionBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/interactions": `{"id":"ix-1","status":"queued"}`,
	})

	req := map[string]any{"payload": map[string]string{"kind": "view"}}
	resp, err := ts.client().post(ctx, "/v1/interactions", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "ix-1" {
		t.Errorf("id = %q, want ix-1", result["id"])
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["payload"] == nil {
		t.Error("payload missing from request body")
	}
}

func TestDecodeJSONErrorStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/v1/feed/current")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code in message", err)
	}
}

func TestEnsureTokenPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{}
	cfg.Storage.DataDir = dir

	first, err := ensureToken(cfg)
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if first == "" {
		t.Fatal("empty token generated")
	}

	second, err := ensureToken(cfg)
	if err != nil {
		t.Fatalf("second ensureToken: %v", err)
	}
	if second != first {
		t.Errorf("token not stable across calls: %q vs %q", second, first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "api-token"))
	if err != nil {
		t.Fatalf("reading token file: %v", err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Error("token file does not match returned token")
	}
}

func TestEnsureTokenPrefersConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Token = "configured"
	cfg.Storage.DataDir = t.TempDir()

	token, err := ensureToken(cfg)
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if token != "configured" {
		t.Errorf("token = %q, want configured", token)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "ok"); got != "ok" {
		t.Errorf("colorize with noColor=true = %q, want plain text", got)
	}

	noColor = false
	if got := colorize(colorGreen, "ok"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false = %q, want ANSI codes", got)
	}
}
