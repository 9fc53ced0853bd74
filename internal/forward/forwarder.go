// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package forward publishes persisted readings to a downstream JetStream
// subject. Forwarding is best effort: a failed publish is reported to the
// caller and counted, never retried, and never undoes the stored row.
package forward

import (
	"context"
	"errors"

	"github.com/tomtom215/sensorstream/internal/models"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("forwarder is closed")
	// ErrCircuitOpen is returned while the circuit breaker rejects publishes.
	ErrCircuitOpen = errors.New("forwarding circuit open")
	// ErrPublishTimeout is returned when the sink did not confirm in time.
	ErrPublishTimeout = errors.New("forward publish timed out")
)

// Forwarder publishes readings downstream.
type Forwarder interface {
	Publish(ctx context.Context, r *models.Reading) error
	// Close waits for in-flight publishes until ctx expires, then releases
	// the connection.
	Close(ctx context.Context) error
}

// Noop is the forwarder used when forwarding is disabled.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, *models.Reading) error { return nil }

// Close does nothing.
func (Noop) Close(context.Context) error { return nil }
