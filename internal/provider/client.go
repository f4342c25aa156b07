// Package provider talks to the remote content backend over HTTP. Errors are
// tagged retryable or non-retryable so the sync coordinator and refresh path
// can decide between backoff and drop.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dayfeed/internal/feed"
)

// Operation-class timeouts: content fetches carry a full day's payload,
// interaction submissions are small.
const (
	fetchTimeout  = 30 * time.Second
	submitTimeout = 10 * time.Second
)

// FetchParams scope a fetchLatest call.
type FetchParams struct {
	Date     time.Time `json:"date"`
	ZoneID   string    `json:"zone_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
}

// Client communicates with the content backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client targeting the given backend base URL. token may be
// empty for unauthenticated backends.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// contentResponse mirrors the JSON returned by GET /v1/content/latest.
type contentResponse struct {
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	ContentDate     time.Time       `json:"content_date"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ConfidenceScore float64         `json:"confidence_score"`
}

// FetchLatest retrieves the latest content item for the given params.
func (c *Client) FetchLatest(ctx context.Context, params FetchParams) (feed.ContentItem, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return feed.ContentItem{}, fmt.Errorf("encoding fetch params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/content/latest", bytes.NewReader(body))
	if err != nil {
		return feed.ContentItem{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return feed.ContentItem{}, &feed.NetworkError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return feed.ContentItem{}, classifyStatus(resp)
	}

	var cr contentResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return feed.ContentItem{}, &feed.NetworkError{Retryable: true, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(cr.Payload) == 0 {
		return feed.ContentItem{}, &feed.ValidationError{Reason: "backend returned empty payload"}
	}

	return feed.ContentItem{
		ID:              cr.ID,
		Payload:         []byte(cr.Payload),
		ContentDate:     cr.ContentDate,
		FetchedAt:       time.Now().UTC(),
		ExpiresAt:       cr.ExpiresAt,
		ConfidenceScore: cr.ConfidenceScore,
	}, nil
}

// SubmitInteraction writes a queued interaction payload through to the
// backend.
func (c *Client) SubmitInteraction(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/interactions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &feed.NetworkError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return classifyStatus(resp)
}

// Ping reports whether the backend answers at all. Used as the connectivity
// probe target when no separate probe URL is configured.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps an HTTP failure to the error taxonomy: 4xx validation
// statuses drop immediately, 408/429 and 5xx retry, everything else is a
// non-retryable network error.
func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &feed.ValidationError{Reason: msg}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return &feed.NetworkError{Retryable: true, Err: errors.New(msg)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &feed.NetworkError{Retryable: true, Err: errors.New(msg)}
	default:
		return &feed.NetworkError{Retryable: false, Err: errors.New(msg)}
	}
}
