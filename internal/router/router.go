// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package router turns broker deliveries into readings for the ingestion
// pipeline.
//
// A Router holds the topic patterns one source subscribes to. Dispatch checks
// the topic against them, parses the payload (filling device_id from the
// topic when the payload lacks it) and submits the reading. Deliveries that
// cannot become a reading are logged, counted and acknowledged so the broker
// does not redeliver them; they never stop the subscription.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// ErrUnrouted is returned by Dispatch for topics no pattern matches.
var ErrUnrouted = errors.New("topic matches no subscription")

// Intake accepts validated readings. Satisfied by *ingest.Pipeline.
type Intake interface {
	Submit(ctx context.Context, r *models.Reading, d ingest.Delivery) error
}

// Router dispatches deliveries from one broker source.
type Router struct {
	syntax   Syntax
	patterns []Pattern
	intake   Intake
	now      func() time.Time
}

// New compiles topics and returns a router feeding intake.
func New(syntax Syntax, topics []string, intake Intake) (*Router, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: no topics configured", ErrInvalidPattern)
	}
	patterns := make([]Pattern, 0, len(topics))
	for _, t := range topics {
		p, err := Compile(syntax, t)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return &Router{
		syntax:   syntax,
		patterns: patterns,
		intake:   intake,
		now:      time.Now,
	}, nil
}

// Topics returns the configured patterns in their original order. Sources
// subscribe with this list on every (re)connect.
func (r *Router) Topics() []string {
	out := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		out[i] = p.String()
	}
	return out
}

// Match reports whether any pattern covers topic.
func (r *Router) Match(topic string) bool {
	for _, p := range r.patterns {
		if p.Match(topic) {
			return true
		}
	}
	return false
}

// Dispatch routes one delivery. It returns nil once the pipeline owns the
// delivery. A non-nil error means the delivery was already settled: acked
// when it was rejected, released for redelivery when the pipeline refused it.
func (r *Router) Dispatch(ctx context.Context, d ingest.Delivery) error {
	if d.ID == "" {
		d.ID = logging.NewDeliveryID()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = r.now()
	}
	metrics.RecordReceived(d.Source)
	ctx = logging.ContextWithDelivery(ctx, d.ID, d.Topic, d.Source)

	if !r.Match(d.Topic) {
		metrics.RecordRejected("unrouted")
		logging.Ctx(ctx).Debug().Msg("Dropping message on unsubscribed topic")
		d.Settle()
		return ErrUnrouted
	}

	reading, err := models.ParseReading(d.Payload, d.Topic, d.ReceivedAt)
	if err != nil {
		kind := models.ValidationKindOf(err)
		metrics.RecordRejected(kind.String())
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("kind", kind.String()).
			Int("payload_bytes", len(d.Payload)).
			Msg("Dropping invalid sensor message")
		d.Settle()
		return err
	}

	if err := r.intake.Submit(ctx, reading, d); err != nil {
		metrics.RecordRejected("intake_refused")
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("reading_id", reading.ID).
			Msg("Pipeline refused reading, releasing for redelivery")
		d.Release()
		return err
	}
	return nil
}
