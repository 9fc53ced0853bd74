// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sensorstream/internal/database/query"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// Column enumerates the columns ListDistinct accepts.
type Column string

const (
	ColumnDeviceID   Column = "device_id"
	ColumnSensorType Column = "sensor_type"
	ColumnLocation   Column = "location"
)

var (
	// ErrUnknownColumn is returned by ListDistinct for columns outside the allow list.
	ErrUnknownColumn = errors.New("unknown distinct column")
	// ErrInvalidWindow is returned when a window is missing a bound or is empty.
	ErrInvalidWindow = errors.New("invalid time window")
)

const readingColumns = `reading_id, device_id, sensor_type, value, unit, recorded_at, location, metadata, received_at`

const insertReadingSQL = `INSERT INTO ` + readingsTable + ` (` + readingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Insert appends one reading. The row is written in a single statement, so
// a failed or abandoned insert never leaves a partial row behind.
func (db *DB) Insert(ctx context.Context, r *models.Reading) error {
	start := time.Now()
	const op = "insert"

	conn, err := db.sqlDB()
	if err != nil {
		return db.fail(op, start, err)
	}

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	metadata := r.Metadata
	if metadata == "" {
		metadata = models.EmptyMetadata
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = conn.ExecContext(ctx, insertReadingSQL,
		r.ID,
		r.DeviceID,
		r.SensorType,
		r.Value,
		r.Unit,
		r.Timestamp.UTC(),
		r.Location,
		metadata,
		receivedAt.UTC(),
	)
	if err != nil {
		return db.fail(op, start, err)
	}
	db.succeed(op, start)

	if db.cfg.DailySummary {
		if err := db.updateDailySummary(ctx, r); err != nil {
			metrics.SummaryUpdateErrors.Inc()
			logging.Warn().Err(err).
				Str("device_id", r.DeviceID).
				Str("sensor_type", r.SensorType).
				Msg("Daily summary update failed")
		}
	}
	return nil
}

// Query returns the newest readings matching the equality filters of pred,
// newest first, at most pred.Limit rows. The window is ignored.
func (db *DB) Query(ctx context.Context, pred models.Predicate) ([]models.Reading, error) {
	wb := query.NewWhereBuilder().
		AddEquals("device_id", pred.DeviceID).
		AddEquals("sensor_type", pred.SensorType).
		AddEquals("location", pred.Location)
	return db.selectReadings(ctx, "query", wb, pred.Limit)
}

// QueryRange is Query restricted to recorded_at in [pred.From, pred.To).
func (db *DB) QueryRange(ctx context.Context, pred models.Predicate) ([]models.Reading, error) {
	if !pred.ValidWindow() {
		return nil, fmt.Errorf("%w: [%v, %v)", ErrInvalidWindow, pred.From, pred.To)
	}
	wb := query.NewWhereBuilder().
		AddEquals("device_id", pred.DeviceID).
		AddEquals("sensor_type", pred.SensorType).
		AddEquals("location", pred.Location).
		AddWindow("recorded_at", pred.From, pred.To)
	return db.selectReadings(ctx, "query_range", wb, pred.Limit)
}

func (db *DB) selectReadings(ctx context.Context, op string, wb *query.WhereBuilder, limit int) ([]models.Reading, error) {
	start := time.Now()

	conn, err := db.sqlDB()
	if err != nil {
		return nil, db.fail(op, start, err)
	}

	where, args := wb.BuildWithPrefix()
	stmt := `SELECT ` + readingColumns + ` FROM ` + readingsTable + ` ` + where +
		` ORDER BY recorded_at DESC, reading_id DESC`
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, db.fail(op, start, err)
	}
	defer closeWithLog(rows, "rows")

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, db.fail(op, start, err)
	}
	db.succeed(op, start)
	return readings, nil
}

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	readings := make([]models.Reading, 0)
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(
			&r.ID,
			&r.DeviceID,
			&r.SensorType,
			&r.Value,
			&r.Unit,
			&r.Timestamp,
			&r.Location,
			&r.Metadata,
			&r.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.ReceivedAt = r.ReceivedAt.UTC()
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

// ListDistinct returns the distinct non-empty values of column, ascending.
func (db *DB) ListDistinct(ctx context.Context, column Column) ([]string, error) {
	start := time.Now()
	op := "distinct_" + string(column)

	switch column {
	case ColumnDeviceID, ColumnSensorType, ColumnLocation:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}

	conn, err := db.sqlDB()
	if err != nil {
		return nil, db.fail(op, start, err)
	}

	col := string(column)
	stmt := `SELECT DISTINCT ` + col + ` FROM ` + readingsTable +
		` WHERE ` + col + ` <> '' ORDER BY ` + col

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, db.fail(op, start, err)
	}
	defer closeWithLog(rows, "rows")

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, db.fail(op, start, fmt.Errorf("scan %s: %w", col, err))
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, db.fail(op, start, err)
	}
	db.succeed(op, start)
	return values, nil
}
