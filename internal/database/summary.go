// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/sensorstream/internal/database/query"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/models"
)

const upsertSummarySQL = `INSERT INTO ` + summaryTable + `
		(device_id, sensor_type, day, min_value, max_value, sum_value, reading_count)
	VALUES (?, ?, CAST(? AS DATE), ?, ?, ?, 1)
	ON CONFLICT (device_id, sensor_type, day) DO UPDATE SET
		min_value = least(min_value, excluded.min_value),
		max_value = greatest(max_value, excluded.max_value),
		sum_value = sum_value + excluded.sum_value,
		reading_count = reading_count + 1`

// seriesLock returns the mutex serializing summary upserts for one series.
// DuckDB resolves concurrent upserts on the same key as conflicts, so writers
// of the same series take turns.
func (db *DB) seriesLock(key models.SeriesKey) *sync.Mutex {
	mu, _ := db.seriesLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// updateDailySummary folds one reading into its day's summary row.
func (db *DB) updateDailySummary(ctx context.Context, r *models.Reading) error {
	start := time.Now()
	const op = "summary_upsert"

	conn, err := db.sqlDB()
	if err != nil {
		return db.fail(op, start, err)
	}

	mu := db.seriesLock(r.Series())
	mu.Lock()
	defer mu.Unlock()

	day := r.Timestamp.UTC().Format(time.DateOnly)
	if _, err := conn.ExecContext(ctx, upsertSummarySQL,
		r.DeviceID, r.SensorType, day, r.Value, r.Value, r.Value,
	); err != nil {
		return db.fail(op, start, err)
	}
	db.succeed(op, start)
	return nil
}

// DailySummaries returns summary rows matching the device and sensor filters
// of pred, ordered by device_id, sensor_type and day. When pred carries a
// window, every day that overlaps [From, To) is returned.
func (db *DB) DailySummaries(ctx context.Context, pred models.Predicate) ([]models.DailySummary, error) {
	start := time.Now()
	const op = "daily_summaries"

	conn, err := db.sqlDB()
	if err != nil {
		return nil, db.fail(op, start, err)
	}

	wb := query.NewWhereBuilder().
		AddEquals("device_id", pred.DeviceID).
		AddEquals("sensor_type", pred.SensorType)
	if pred.HasWindow() {
		wb.AddClause("day >= CAST(? AS DATE)", pred.From.UTC().Format(time.DateOnly))
		wb.AddClause("day < CAST(? AS DATE)", dayAfterWindow(pred.To).Format(time.DateOnly))
	}
	where, args := wb.BuildWithPrefix()

	stmt := `SELECT device_id, sensor_type, day, min_value, max_value,
			sum_value / reading_count, reading_count
		FROM ` + summaryTable + ` ` + where + `
		ORDER BY device_id, sensor_type, day`
	if pred.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, pred.Limit)
	}

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, db.fail(op, start, err)
	}
	defer closeWithLog(rows, "rows")

	summaries := make([]models.DailySummary, 0)
	for rows.Next() {
		var s models.DailySummary
		if err := rows.Scan(
			&s.DeviceID,
			&s.SensorType,
			&s.Date,
			&s.MinValue,
			&s.MaxValue,
			&s.AvgValue,
			&s.Count,
		); err != nil {
			return nil, db.fail(op, start, fmt.Errorf("scan daily summary: %w", err))
		}
		s.Date = s.Date.UTC()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.fail(op, start, err)
	}
	db.succeed(op, start)
	return summaries, nil
}

// dayAfterWindow is the first UTC day that lies wholly at or after the
// exclusive bound to.
func dayAfterWindow(to time.Time) time.Time {
	to = to.UTC()
	day := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	if to.Equal(day) {
		return day
	}
	return day.AddDate(0, 0, 1)
}

// RebuildDailySummary recomputes the summary table from sensor_readings in
// one transaction. Use it after a summary update was lost.
func (db *DB) RebuildDailySummary(ctx context.Context) (int64, error) {
	start := time.Now()
	const op = "summary_rebuild"

	conn, err := db.sqlDB()
	if err != nil {
		return 0, db.fail(op, start, err)
	}

	ctx, cancel := db.schemaContext(ctx)
	defer cancel()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, db.fail(op, start, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+summaryTable); err != nil {
		return 0, db.fail(op, start, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO `+summaryTable+`
		(device_id, sensor_type, day, min_value, max_value, sum_value, reading_count)
		SELECT device_id, sensor_type, CAST(recorded_at AS DATE),
			min(value), max(value), sum(value), count(*)
		FROM `+readingsTable+`
		GROUP BY device_id, sensor_type, CAST(recorded_at AS DATE)`)
	if err != nil {
		return 0, db.fail(op, start, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, db.fail(op, start, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		n = -1
	}
	db.succeed(op, start)
	logging.Info().Int64("rows", n).Dur("duration", time.Since(start)).Msg("Daily summary rebuilt")
	return n, nil
}
