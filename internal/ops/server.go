// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package ops serves the operational HTTP surface: liveness, readiness,
// Prometheus metrics and dead-letter inspection.
//
// Routes:
//
//	GET  /healthz               process is alive
//	GET  /readyz                every registered component check (503 when unhealthy)
//	GET  /metrics               Prometheus exposition
//	GET  /deadletter            dropped readings awaiting replay
//	POST /deadletter/replay     run one replay pass now
//
// The read-side query API is not served here.
package ops

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/deadletter"
	"github.com/tomtom215/sensorstream/internal/health"
)

// Readiness is satisfied by *health.Checker.
type Readiness interface {
	CheckAll(ctx context.Context) health.Overall
}

// DeadLetters is the dead-letter view the server exposes.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]*deadletter.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Replayer runs a replay pass on demand. Satisfied by *deadletter.Replayer.
type Replayer interface {
	RunOnce(ctx context.Context) deadletter.ReplayResult
}

// Option configures optional handlers.
type Option func(*Handler)

// WithDeadLetters enables the /deadletter routes.
func WithDeadLetters(store DeadLetters, replayer Replayer) Option {
	return func(h *Handler) {
		h.deadLetters = store
		h.replayer = replayer
	}
}

// Handler holds the dependencies of the ops routes.
type Handler struct {
	ready       Readiness
	deadLetters DeadLetters
	replayer    Replayer
	startTime   time.Time
}

// NewHandler creates a handler reporting readiness from ready.
func NewHandler(ready Readiness, opts ...Option) *Handler {
	h := &Handler{ready: ready, startTime: time.Now()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router. reqs <= 0 disables rate limiting.
func (h *Handler) Router(reqs int, window time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Prometheus scrapes are exempt from rate limiting.
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if reqs > 0 && window > 0 {
			r.Use(httprate.LimitByIP(reqs, window))
		}

		r.Get("/healthz", h.Liveness)
		r.Get("/readyz", h.Readiness)

		if h.deadLetters != nil {
			r.Route("/deadletter", func(r chi.Router) {
				r.Get("/", h.ListDeadLetters)
				if h.replayer != nil {
					r.Post("/replay", h.ReplayDeadLetters)
				}
			})
		}
	})

	return r
}

// NewServer builds the ops HTTP server from cfg.
func NewServer(cfg config.ServerConfig, h *Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           h.Router(cfg.RateLimitReqs, cfg.RateLimitWindow),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.ReadTimeout,
	}
}
