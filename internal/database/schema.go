// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package database

import (
	"context"
	"fmt"
)

// Table names.
const (
	readingsTable = "sensor_readings"
	summaryTable  = "sensor_daily_summary"
)

// schemaStatements are applied in order. Each is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		reading_id  TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		sensor_type TEXT NOT NULL,
		value       DOUBLE NOT NULL,
		unit        TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		location    TEXT NOT NULL DEFAULT '',
		metadata    TEXT NOT NULL DEFAULT '{}',
		received_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_readings_series
		ON sensor_readings (device_id, sensor_type, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_readings_recorded_at
		ON sensor_readings (recorded_at)`,

	// Derived per-day aggregate, maintained on insert and rebuildable from
	// sensor_readings. avg is sum_value / reading_count.
	`CREATE TABLE IF NOT EXISTS sensor_daily_summary (
		device_id     TEXT NOT NULL,
		sensor_type   TEXT NOT NULL,
		day           DATE NOT NULL,
		min_value     DOUBLE NOT NULL,
		max_value     DOUBLE NOT NULL,
		sum_value     DOUBLE NOT NULL,
		reading_count BIGINT NOT NULL,
		PRIMARY KEY (device_id, sensor_type, day)
	)`,
}

// EnsureSchema creates the readings table, its indexes and the daily
// summary table if they are missing. Safe to call concurrently and
// repeatedly.
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	conn, err := db.sqlDB()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
