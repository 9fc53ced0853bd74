// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/sensorstream/internal/logging"
)

// Runner is a component with a Start/Shutdown lifecycle.
//
// Satisfied by *ingest.Pipeline and *deadletter.Replayer.
type Runner interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// LifecycleService runs a Runner under suture:
//  1. Start(ctx)
//  2. wait for ctx cancellation
//  3. Shutdown with a fresh context bounded by shutdownTimeout
type LifecycleService struct {
	runner          Runner
	name            string
	shutdownTimeout time.Duration
}

// NewLifecycleService wraps runner. shutdownTimeout <= 0 uses 10s.
func NewLifecycleService(name string, runner Runner, shutdownTimeout time.Duration) *LifecycleService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &LifecycleService{
		runner:          runner,
		name:            name,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service. A Start error is returned so suture
// restarts the service with backoff.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.runner.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.runner.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Str("service", s.name).Msg("Service did not shut down cleanly")
	}
	return ctx.Err()
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *LifecycleService) String() string {
	return s.name
}
