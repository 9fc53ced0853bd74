// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/deadletter"
	"github.com/tomtom215/sensorstream/internal/health"
	"github.com/tomtom215/sensorstream/internal/models"
)

type staticReadiness struct {
	overall health.Overall
}

func (s staticReadiness) CheckAll(context.Context) health.Overall {
	return s.overall
}

type fakeDeadLetters struct {
	entries []*deadletter.Entry
	err     error
	limit   int
}

func (f *fakeDeadLetters) List(_ context.Context, limit int) ([]*deadletter.Entry, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeDeadLetters) Count(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.entries), nil
}

type fakeReplayer struct {
	calls int
}

func (f *fakeReplayer) RunOnce(context.Context) deadletter.ReplayResult {
	f.calls++
	return deadletter.ReplayResult{Replayed: 2, Failed: 1}
}

func healthy() Readiness {
	return staticReadiness{overall: health.Overall{Healthy: true, Status: health.StatusHealthy}}
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	r := NewHandler(healthy()).Router(0, 0)
	rec := serve(t, r, http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body LivenessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "alive" {
		t.Errorf("status = %q, want alive", body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		overall health.Overall
		want    int
	}{
		{
			name:    "healthy",
			overall: health.Overall{Healthy: true, Status: health.StatusHealthy},
			want:    http.StatusOK,
		},
		{
			name:    "degraded is still ready",
			overall: health.Overall{Healthy: true, Status: health.StatusDegraded},
			want:    http.StatusOK,
		},
		{
			name: "unhealthy",
			overall: health.Overall{
				Healthy: false,
				Status:  health.StatusUnhealthy,
				Components: []health.ComponentHealth{
					{Name: "database", Healthy: false, Error: "connection refused"},
				},
			},
			want: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewHandler(staticReadiness{overall: tt.overall}).Router(0, 0)
			rec := serve(t, r, http.MethodGet, "/readyz")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var got health.Overall
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != tt.overall.Status {
				t.Errorf("body status = %q, want %q", got.Status, tt.overall.Status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	r := NewHandler(healthy()).Router(0, 0)
	rec := serve(t, r, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default Go collectors")
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	r := NewHandler(healthy()).Router(0, 0)

	rec := serve(t, r, http.MethodGet, "/healthz")
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	req.Header.Set(RequestIDHeader, "upstream-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "upstream-123" {
		t.Errorf("request id = %q, want upstream-123", got)
	}
}

func TestDeadLetterRoutesDisabled(t *testing.T) {
	t.Parallel()

	r := NewHandler(healthy()).Router(0, 0)
	if rec := serve(t, r, http.MethodGet, "/deadletter"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListDeadLetters(t *testing.T) {
	t.Parallel()

	entries := []*deadletter.Entry{
		{ID: "a", Reading: models.Reading{ID: "a", DeviceID: "dev-1"}, Reason: "persist_failed", Attempts: 3},
		{ID: "b", Reading: models.Reading{ID: "b", DeviceID: "dev-2"}, Reason: "persist_failed", Attempts: 3},
	}

	tests := []struct {
		name      string
		target    string
		err       error
		wantCode  int
		wantLimit int
		wantLen   int
	}{
		{name: "default limit", target: "/deadletter", wantCode: http.StatusOK, wantLimit: defaultDeadLetterLimit, wantLen: 2},
		{name: "explicit limit", target: "/deadletter?limit=1", wantCode: http.StatusOK, wantLimit: 1, wantLen: 1},
		{name: "capped limit", target: "/deadletter?limit=99999", wantCode: http.StatusOK, wantLimit: maxDeadLetterLimit, wantLen: 2},
		{name: "bad limit", target: "/deadletter?limit=x", wantCode: http.StatusBadRequest},
		{name: "zero limit", target: "/deadletter?limit=0", wantCode: http.StatusBadRequest},
		{name: "store closed", target: "/deadletter", err: deadletter.ErrClosed, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeDeadLetters{entries: entries, err: tt.err}
			r := NewHandler(healthy(), WithDeadLetters(store, nil)).Router(0, 0)
			rec := serve(t, r, http.MethodGet, tt.target)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				var e ErrorResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if e.Code == "" || e.RequestID == "" {
					t.Errorf("error body incomplete: %+v", e)
				}
				return
			}

			var body DeadLetterResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if store.limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", store.limit, tt.wantLimit)
			}
			if len(body.Entries) != tt.wantLen {
				t.Errorf("entries = %d, want %d", len(body.Entries), tt.wantLen)
			}
			if body.Total != len(entries) {
				t.Errorf("total = %d, want %d", body.Total, len(entries))
			}
		})
	}
}

func TestReplayDeadLetters(t *testing.T) {
	t.Parallel()

	replayer := &fakeReplayer{}
	r := NewHandler(healthy(), WithDeadLetters(&fakeDeadLetters{}, replayer)).Router(0, 0)

	if rec := serve(t, r, http.MethodGet, "/deadletter/replay"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec := serve(t, r, http.MethodPost, "/deadletter/replay")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res deadletter.ReplayResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Replayed != 2 || res.Failed != 1 || replayer.calls != 1 {
		t.Errorf("result = %+v, calls = %d", res, replayer.calls)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	r := NewHandler(healthy()).Router(2, time.Minute)
	for i := 0; i < 2; i++ {
		if rec := serve(t, r, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	if rec := serve(t, r, http.MethodGet, "/healthz"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	// Scrapes bypass the limiter.
	if rec := serve(t, r, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	cfg := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         9464,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := NewServer(cfg, NewHandler(healthy()))
	if srv.Addr != "127.0.0.1:9464" {
		t.Errorf("Addr = %q", srv.Addr)
	}
	if srv.ReadTimeout != cfg.ReadTimeout || srv.WriteTimeout != cfg.WriteTimeout {
		t.Errorf("timeouts not applied: %v / %v", srv.ReadTimeout, srv.WriteTimeout)
	}
}

func TestStoreErrorIsNotLeaked(t *testing.T) {
	t.Parallel()

	store := &fakeDeadLetters{err: errors.New("badger: internal detail")}
	r := NewHandler(healthy(), WithDeadLetters(store, nil)).Router(0, 0)
	rec := serve(t, r, http.MethodGet, "/deadletter")
	if strings.Contains(rec.Body.String(), "internal detail") {
		t.Errorf("store error leaked: %s", rec.Body.String())
	}
}
