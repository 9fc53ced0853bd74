// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package services

import (
	"context"
	"time"

	"github.com/tomtom215/sensorstream/internal/logging"
)

// Stopper is a component started outside the tree that must be stopped with
// it.
//
// Satisfied by *broker.EmbeddedNATS and *broker.EmbeddedMQTT.
type Stopper interface {
	Shutdown(ctx context.Context) error
}

// ShutdownService holds a running component until the tree stops, then
// shuts it down.
type ShutdownService struct {
	stopper         Stopper
	name            string
	shutdownTimeout time.Duration
}

// NewShutdownService wraps stopper. shutdownTimeout <= 0 uses 10s.
func NewShutdownService(name string, stopper Stopper, shutdownTimeout time.Duration) *ShutdownService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &ShutdownService{stopper: stopper, name: name, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *ShutdownService) Serve(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.stopper.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Str("service", s.name).Msg("Shutdown failed")
	}
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *ShutdownService) String() string {
	return s.name
}
