// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
)

// reconnect replaces a dead pool with a fresh one, retrying with
// exponential backoff. A live pool is left alone, so concurrent callers that
// all saw the same failure reconnect only once.
func (db *DB) reconnect() error {
	db.reconnectMu.Lock()
	defer db.reconnectMu.Unlock()

	if db.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := db.Ping(ctx)
	cancel()
	if err == nil {
		return nil
	}

	logging.Warn().Err(err).Msg("DuckDB connection lost, reconnecting")

	var lastErr error
	for attempt := 0; attempt < db.maxReconnectTries; attempt++ {
		if attempt > 0 {
			time.Sleep(db.reconnectDelay * time.Duration(1<<uint(attempt-1)))
		}

		if err := db.attemptReconnect(); err != nil {
			metrics.RecordDBReconnect(false)
			lastErr = fmt.Errorf("reconnect attempt %d failed: %w", attempt+1, err)
			continue
		}

		metrics.RecordDBReconnect(true)
		logging.Info().Int("attempt", attempt+1).Msg("DuckDB reconnected")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts: %w", db.maxReconnectTries, lastErr)
}

func (db *DB) attemptReconnect() error {
	conn, err := openConn(db.cfg)
	if err != nil {
		return err
	}

	db.connMu.Lock()
	old := db.conn
	db.conn = conn
	db.connMu.Unlock()
	closeWithLog(old, "stale database pool")

	ctx, cancel := db.schemaContext(context.Background())
	defer cancel()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("re-create schema: %w", err)
	}
	return nil
}
