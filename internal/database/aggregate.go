// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/sensorstream/internal/database/query"
	"github.com/tomtom215/sensorstream/internal/models"
)

// Aggregate computes min, max, mean and count per (device_id, sensor_type)
// over the readings in [pred.From, pred.To). One row is returned per series
// present in the window, ordered by device_id then sensor_type. pred.Limit
// is ignored.
//
// The unit is taken from the earliest reading of each series so repeated
// calls over unchanged data return identical results.
func (db *DB) Aggregate(ctx context.Context, pred models.Predicate) ([]models.SensorStats, error) {
	start := time.Now()
	const op = "aggregate"

	if !pred.ValidWindow() {
		return nil, fmt.Errorf("%w: [%v, %v)", ErrInvalidWindow, pred.From, pred.To)
	}

	conn, err := db.sqlDB()
	if err != nil {
		return nil, db.fail(op, start, err)
	}

	where, args := query.NewWhereBuilder().
		AddEquals("device_id", pred.DeviceID).
		AddEquals("sensor_type", pred.SensorType).
		AddEquals("location", pred.Location).
		AddWindow("recorded_at", pred.From, pred.To).
		BuildWithPrefix()

	stmt := `SELECT
			device_id,
			sensor_type,
			min(value),
			max(value),
			avg(value),
			count(*),
			first(unit ORDER BY recorded_at, unit)
		FROM ` + readingsTable + ` ` + where + `
		GROUP BY device_id, sensor_type
		ORDER BY device_id, sensor_type`

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, db.fail(op, start, err)
	}
	defer closeWithLog(rows, "rows")

	from, to := pred.From.UTC(), pred.To.UTC()
	stats := make([]models.SensorStats, 0)
	for rows.Next() {
		s := models.SensorStats{From: from, To: to}
		if err := rows.Scan(
			&s.DeviceID,
			&s.SensorType,
			&s.MinValue,
			&s.MaxValue,
			&s.AvgValue,
			&s.Count,
			&s.Unit,
		); err != nil {
			return nil, db.fail(op, start, fmt.Errorf("scan stats: %w", err))
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.fail(op, start, err)
	}
	db.succeed(op, start)
	return stats, nil
}
