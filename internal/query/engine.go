// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package query answers read requests over the persisted sensor series.
//
// Engine is the boundary an HTTP layer calls. It applies default and maximum
// limits, rejects empty windows before touching storage, and reports every
// failure as a *QueryError whose Kind separates caller mistakes from storage
// outages. All calls are read-only.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/database"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// Store is the storage the engine reads. Satisfied by *database.DB.
type Store interface {
	Query(ctx context.Context, pred models.Predicate) ([]models.Reading, error)
	QueryRange(ctx context.Context, pred models.Predicate) ([]models.Reading, error)
	Aggregate(ctx context.Context, pred models.Predicate) ([]models.SensorStats, error)
	ListDistinct(ctx context.Context, column database.Column) ([]string, error)
	DailySummaries(ctx context.Context, pred models.Predicate) ([]models.DailySummary, error)
}

// Filters are the optional equality filters shared by every query shape.
// Empty fields match everything.
type Filters struct {
	DeviceID   string
	SensorType string
	Location   string
}

func (f Filters) predicate() models.Predicate {
	return models.Predicate{
		DeviceID:   f.DeviceID,
		SensorType: f.SensorType,
		Location:   f.Location,
	}
}

// ReadingsResult is the answer to Latest and Historical. Count is the number
// of readings returned, not the number stored.
type ReadingsResult struct {
	Readings []models.Reading `json:"readings"`
	Count    int              `json:"count"`
}

// Engine executes queries against a Store.
type Engine struct {
	store Store
	cfg   config.QueryConfig
}

// NewEngine creates an engine. Zero limits in cfg fall back to 100/1000 for
// latest and 1000/10000 for historical queries.
func NewEngine(store Store, cfg config.QueryConfig) *Engine {
	if cfg.LatestDefaultLimit <= 0 {
		cfg.LatestDefaultLimit = 100
	}
	if cfg.LatestMaxLimit <= 0 {
		cfg.LatestMaxLimit = 1000
	}
	if cfg.HistoricalDefaultLimit <= 0 {
		cfg.HistoricalDefaultLimit = 1000
	}
	if cfg.HistoricalMaxLimit <= 0 {
		cfg.HistoricalMaxLimit = 10000
	}
	return &Engine{store: store, cfg: cfg}
}

// Latest returns the newest readings matching f, newest first. limit 0 uses
// the default; larger limits are capped.
func (e *Engine) Latest(ctx context.Context, f Filters, limit int) (*ReadingsResult, error) {
	const op = "latest"
	start := time.Now()

	n, err := clampLimit(limit, e.cfg.LatestDefaultLimit, e.cfg.LatestMaxLimit)
	if err != nil {
		return nil, e.reject(op, start, badRequest(op, err))
	}

	pred := f.predicate()
	pred.Limit = n

	ctx, cancel := e.context(ctx)
	defer cancel()
	readings, err := e.store.Query(ctx, pred)
	if err != nil {
		return nil, e.reject(op, start, storageError(op, err))
	}
	metrics.RecordQuery(op, time.Since(start), "")
	return &ReadingsResult{Readings: readings, Count: len(readings)}, nil
}

// Historical returns readings in [from, to) matching f, newest first.
func (e *Engine) Historical(ctx context.Context, from, to time.Time, f Filters, limit int) (*ReadingsResult, error) {
	const op = "historical"
	start := time.Now()

	if err := checkRange(from, to); err != nil {
		return nil, e.reject(op, start, badRequest(op, err))
	}
	n, err := clampLimit(limit, e.cfg.HistoricalDefaultLimit, e.cfg.HistoricalMaxLimit)
	if err != nil {
		return nil, e.reject(op, start, badRequest(op, err))
	}

	pred := f.predicate()
	pred.From, pred.To, pred.Limit = from, to, n

	ctx, cancel := e.context(ctx)
	defer cancel()
	readings, err := e.store.QueryRange(ctx, pred)
	if err != nil {
		return nil, e.reject(op, start, storageError(op, err))
	}
	metrics.RecordQuery(op, time.Since(start), "")
	return &ReadingsResult{Readings: readings, Count: len(readings)}, nil
}

// Stats returns min, max, mean and count per series in [from, to). Every
// series present in the window is returned; there is no limit.
func (e *Engine) Stats(ctx context.Context, from, to time.Time, f Filters) ([]models.SensorStats, error) {
	const op = "stats"
	start := time.Now()

	if err := checkRange(from, to); err != nil {
		return nil, e.reject(op, start, badRequest(op, err))
	}

	pred := f.predicate()
	pred.From, pred.To = from, to

	ctx, cancel := e.context(ctx)
	defer cancel()
	stats, err := e.store.Aggregate(ctx, pred)
	if err != nil {
		return nil, e.reject(op, start, storageError(op, err))
	}
	metrics.RecordQuery(op, time.Since(start), "")
	return stats, nil
}

// DailySummaries returns pre-aggregated per-day rows. The summary table is
// derived and may briefly lag the readings; use Stats for exact figures.
// A zero from and to returns every day.
func (e *Engine) DailySummaries(ctx context.Context, from, to time.Time, f Filters, limit int) ([]models.DailySummary, error) {
	const op = "daily"
	start := time.Now()

	if !from.IsZero() || !to.IsZero() {
		if err := checkRange(from, to); err != nil {
			return nil, e.reject(op, start, badRequest(op, err))
		}
	}
	n, err := clampLimit(limit, e.cfg.HistoricalDefaultLimit, e.cfg.HistoricalMaxLimit)
	if err != nil {
		return nil, e.reject(op, start, badRequest(op, err))
	}

	pred := f.predicate()
	pred.From, pred.To, pred.Limit = from, to, n

	ctx, cancel := e.context(ctx)
	defer cancel()
	rows, err := e.store.DailySummaries(ctx, pred)
	if err != nil {
		return nil, e.reject(op, start, storageError(op, err))
	}
	metrics.RecordQuery(op, time.Since(start), "")
	return rows, nil
}

// Devices lists distinct device ids, ascending.
func (e *Engine) Devices(ctx context.Context) ([]string, error) {
	return e.distinct(ctx, "devices", database.ColumnDeviceID)
}

// SensorTypes lists distinct sensor types, ascending.
func (e *Engine) SensorTypes(ctx context.Context) ([]string, error) {
	return e.distinct(ctx, "sensor_types", database.ColumnSensorType)
}

// Locations lists distinct non-empty locations, ascending.
func (e *Engine) Locations(ctx context.Context) ([]string, error) {
	return e.distinct(ctx, "locations", database.ColumnLocation)
}

// SensorIDs lists the ids of every sensor that has reported, ascending. A
// sensor is identified by the device it is attached to, so this is the
// device id list under the name sensor-facing callers use.
func (e *Engine) SensorIDs(ctx context.Context) ([]string, error) {
	return e.distinct(ctx, "sensor_ids", database.ColumnDeviceID)
}

func (e *Engine) distinct(ctx context.Context, op string, column database.Column) ([]string, error) {
	start := time.Now()

	ctx, cancel := e.context(ctx)
	defer cancel()
	values, err := e.store.ListDistinct(ctx, column)
	if err != nil {
		return nil, e.reject(op, start, storageError(op, err))
	}
	metrics.RecordQuery(op, time.Since(start), "")
	return values, nil
}

func (e *Engine) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

func (e *Engine) reject(op string, start time.Time, qe *QueryError) error {
	metrics.RecordQuery(op, time.Since(start), qe.Kind.String())
	return qe
}

func checkRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return ErrInvalidRange
	}
	return nil
}

func clampLimit(limit, def, max int) (int, error) {
	switch {
	case limit < 0:
		return 0, ErrInvalidLimit
	case limit == 0:
		return def, nil
	case limit > max:
		return max, nil
	default:
		return limit, nil
	}
}

// storageError maps a store failure to a rejection. Bad windows and columns
// that slipped past validation are the caller's fault; everything else is
// an outage.
func storageError(op string, err error) *QueryError {
	if errors.Is(err, database.ErrInvalidWindow) || errors.Is(err, database.ErrUnknownColumn) {
		return badRequest(op, err)
	}
	return unavailable(op, err)
}
