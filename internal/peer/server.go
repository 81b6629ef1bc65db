// Package peer carries sync exchanges over HTTP. The server exposes the
// local device's own log; the client implements replication.Remote.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/replication"
)

const maxBatchLimit = 5000

// ClockResponse is the body of GET /sync/clock.
type ClockResponse struct {
	DeviceID string            `json:"device_id"`
	Clock    graph.VectorClock `json:"clock"`
}

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Token string
	// RateLimit is the sustained requests per second accepted on /sync.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
}

// NewHandler returns the peer API for src.
func NewHandler(src replication.Source, opts HandlerOptions) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(src.DeviceID()))

	r.Route("/sync", func(r chi.Router) {
		if opts.RateLimit > 0 {
			burst := opts.Burst
			if burst <= 0 {
				burst = max(1, int(opts.RateLimit))
			}
			r.Use(RateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst)))
		}
		r.Use(BearerAuth(opts.Token))
		r.Get("/log", handleLog(src))
		r.Get("/clock", handleClock(src))
	})

	return r
}

func handleHealth(deviceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "device_id": deviceID})
	}
}

func handleLog(src replication.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := queryInt(r, "since", 0)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit, err := queryInt(r, "limit", replication.DefaultBatchSize)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if limit > maxBatchLimit {
			limit = maxBatchLimit
		}

		batch, err := replication.BuildBatch(r.Context(), src, since, int(limit))
		if err != nil {
			if errors.Is(err, graph.ErrValidation) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			slog.Error("serving sync log", "since", since, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "reading sync log failed")
			return
		}
		writeJSON(w, batch)
	}
}

func handleClock(src replication.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vc, err := src.VectorClock(r.Context())
		if err != nil {
			slog.Error("serving vector clock", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "reading clock failed")
			return
		}
		writeJSON(w, ClockResponse{DeviceID: src.DeviceID(), Clock: vc})
	}
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
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
