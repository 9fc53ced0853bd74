// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package ingest

import (
	"context"
	"time"

	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/models"
)

// DropEvent describes a reading the pipeline gave up persisting.
type DropEvent struct {
	Reading  *models.Reading
	Attempts int
	Err      error
	// Kind is the storage error kind of the last failure.
	Kind      string
	Source    string
	Topic     string
	DroppedAt time.Time
}

// DropReporter is notified of every dropped ingestion. Implementations must
// not block for long; the worker that dropped the reading waits for it.
type DropReporter interface {
	ReportDrop(ctx context.Context, ev DropEvent)
}

// DropReporterFunc adapts a function to DropReporter.
type DropReporterFunc func(ctx context.Context, ev DropEvent)

// ReportDrop calls f.
func (f DropReporterFunc) ReportDrop(ctx context.Context, ev DropEvent) {
	f(ctx, ev)
}

// LogDropReporter logs dropped readings at error level.
type LogDropReporter struct{}

// ReportDrop logs ev.
func (LogDropReporter) ReportDrop(ctx context.Context, ev DropEvent) {
	logging.Ctx(ctx).Error().
		Err(ev.Err).
		Str("reading_id", ev.Reading.ID).
		Str("device_id", ev.Reading.DeviceID).
		Str("sensor_type", ev.Reading.SensorType).
		Time("recorded_at", ev.Reading.Timestamp).
		Int("attempts", ev.Attempts).
		Str("kind", ev.Kind).
		Msg("Reading dropped after persist retries")
}

// MultiDropReporter fans one event out to several reporters in order.
type MultiDropReporter []DropReporter

// ReportDrop calls every reporter.
func (m MultiDropReporter) ReportDrop(ctx context.Context, ev DropEvent) {
	for _, r := range m {
		if r != nil {
			r.ReportDrop(ctx, ev)
		}
	}
}
