// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package ops

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sensorstream/internal/deadletter"
	"github.com/tomtom215/sensorstream/internal/logging"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
)

// LivenessResponse is the /healthz body.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Uptime    float64   `json:"uptime_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterResponse is the /deadletter body.
type DeadLetterResponse struct {
	Total   int                 `json:"total"`
	Entries []*deadletter.Entry `json:"entries"`
}

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Liveness answers as long as the process can serve HTTP.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Uptime:    time.Since(h.startTime).Seconds(),
		Timestamp: time.Now().UTC(),
	})
}

// Readiness runs every component check. Degraded components still report
// ready; an unhealthy one returns 503.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	overall := h.ready.CheckAll(r.Context())
	status := http.StatusOK
	if !overall.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, overall)
}

// ListDeadLetters returns the oldest stored entries. ?limit caps the page.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	total, err := h.deadLetters.Count(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count dead-letter entries")
		respondError(w, r, http.StatusServiceUnavailable, "DEADLETTER_UNAVAILABLE", "dead-letter store unavailable")
		return
	}
	entries, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list dead-letter entries")
		respondError(w, r, http.StatusServiceUnavailable, "DEADLETTER_UNAVAILABLE", "dead-letter store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, DeadLetterResponse{Total: total, Entries: entries})
}

// ReplayDeadLetters runs one replay pass and reports its outcome.
func (h *Handler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	res := h.replayer.RunOnce(r.Context())
	logging.Info().
		Str("request_id", GetRequestID(r.Context())).
		Int("replayed", res.Replayed).
		Int("failed", res.Failed).
		Msg("Manual dead-letter replay")
	writeJSON(w, http.StatusOK, res)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
