package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dayfeed/internal/content"
	"dayfeed/internal/feed"
	"dayfeed/internal/lifecycle"
)

const maxRequestBodySize = 1 << 20 // 1MB

type InteractionRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type Deps struct {
	Orchestrator *lifecycle.Orchestrator
	Token        string
}

// NewHandler returns the loopback control API. Everything except /health
// sits behind bearer auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/v1/feed/current", handleCurrent(deps))
		r.Get("/v1/feed/history", handleHistory(deps))
		r.Post("/v1/feed/refresh", handleRefresh(deps))
		r.Post("/v1/interactions", handleInteraction(deps))
		r.Post("/v1/queue/drain", handleDrain(deps))
		r.Get("/v1/diagnostics/health", handleDiagHealth(deps))
		r.Get("/v1/diagnostics/stats", handleDiagStats(deps))
		r.Get("/v1/diagnostics/performance", handleDiagPerf(deps))
		r.Post("/v1/maintenance/run", handleMaintenance(deps))
		r.Get("/v1/status", handleStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCurrent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item := deps.Orchestrator.GetCurrentContent()
		if item == nil {
			httpError(w, http.StatusNotFound, "not_found", "no content available")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(item)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 0, content.DefaultHistoryCap)

		entries := deps.Orchestrator.GetHistory(limit)
		if entries == nil {
			entries = []feed.HistoryEntry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}

func handleRefresh(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Orchestrator.RefreshNow(r.Context()); err != nil {
			code, errType := classifyError(err)
			httpError(w, code, errType, "refresh failed: %v", err)
			return
		}

		item := deps.Orchestrator.GetCurrentContent()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "refreshed",
			"content": item,
		})
	}
}

func handleInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req InteractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Payload) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload is required")
			return
		}

		id, err := deps.Orchestrator.EnqueueInteraction(req.Payload)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue interaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleDrain(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Orchestrator.DrainNow(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "drain failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "drained"})
	}
}

func handleDiagHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Orchestrator.GetHealthReport())
	}
}

func handleDiagStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Orchestrator.GetStatsReport())
	}
}

func handleDiagPerf(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Orchestrator.GetPerformanceReport())
	}
}

func handleMaintenance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Orchestrator.RunMaintenanceNow(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "maintenance failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Orchestrator.Report()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state": deps.Orchestrator.State().String(),
			"epoch": deps.Orchestrator.Epoch(),
			"init":  report,
		})
	}
}

// classifyError maps fetch failures onto HTTP status codes: provider-side
// validation rejections are the caller's problem, everything transient is a
// gateway failure.
func classifyError(err error) (int, string) {
	var verr *feed.ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, "invalid_request_error"
	}
	var nerr *feed.NetworkError
	if errors.As(err, &nerr) {
		return http.StatusBadGateway, "api_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
