// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package database is the DuckDB storage adapter for sensor readings.
//
// One *sql.DB pool is opened at startup and shared by ingestion writers and
// query readers. Every operation runs under the configured per-operation
// timeout, and failures come back as *StorageError so the ingestion pipeline
// can decide whether to retry. When an operation fails because the database
// handle is gone, the adapter reconnects before returning so that the
// caller's next attempt runs against a fresh pool.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
)

// DB is the storage adapter.
type DB struct {
	// connMu guards conn, which reconnect swaps.
	connMu sync.RWMutex
	conn   *sql.DB

	cfg *config.DatabaseConfig

	reconnectMu       sync.Mutex
	maxReconnectTries int
	reconnectDelay    time.Duration

	// schemaMu serializes EnsureSchema so concurrent callers at startup do
	// not race on DDL.
	schemaMu sync.Mutex

	// seriesLocks serializes daily summary upserts per series.
	seriesLocks sync.Map

	closed atomic.Bool
}

// New opens the DuckDB database described by cfg and creates the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	conn, err := openConn(cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{
		conn:              conn,
		cfg:               cfg,
		maxReconnectTries: cfg.ReconnectAttempts,
		reconnectDelay:    cfg.ReconnectInitialDelay,
	}
	if db.maxReconnectTries <= 0 {
		db.maxReconnectTries = 1
	}
	if db.reconnectDelay <= 0 {
		db.reconnectDelay = 200 * time.Millisecond
	}

	ctx, cancel := db.schemaContext(context.Background())
	defer cancel()
	if err := db.EnsureSchema(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Str("max_memory", cfg.MaxMemory).
		Bool("daily_summary", cfg.DailySummary).
		Msg("DuckDB storage opened")
	return db, nil
}

// dsn builds the DuckDB connection string.
func dsn(cfg *config.DatabaseConfig) string {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}
	return fmt.Sprintf("%s?threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, maxMemory)
}

func openConn(cfg *config.DatabaseConfig) (*sql.DB, error) {
	conn, err := sql.Open("duckdb", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	configureConnectionPool(conn)
	return conn, nil
}

// configureConnectionPool sizes the pool for parallel readers plus the
// ingestion workers.
func configureConnectionPool(conn *sql.DB) {
	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)
}

// sqlDB returns the current pool, or ErrClosed.
func (db *DB) sqlDB() (*sql.DB, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	db.connMu.RLock()
	defer db.connMu.RUnlock()
	return db.conn, nil
}

// opContext bounds a single statement by the configured timeout.
func (db *DB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.cfg.OpTimeout)
}

// schemaContext bounds DDL and bulk statements by the schema timeout.
func (db *DB) schemaContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := db.cfg.SchemaTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

// fail classifies err, records it, and reconnects on connection loss.
func (db *DB) fail(op string, start time.Time, err error) error {
	se := classify(op, err)
	metrics.RecordDBQuery(op, time.Since(start), se.Kind.String())

	if se.Kind == KindConnectionLost {
		if rerr := db.reconnect(); rerr != nil {
			logging.Error().Err(rerr).Str("op", op).Msg("DuckDB reconnect failed")
		}
	}
	return se
}

func (db *DB) succeed(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start), "")
}

// Ping checks that the database answers.
func (db *DB) Ping(ctx context.Context) error {
	conn, err := db.sqlDB()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// Close closes the pool. Later calls return ErrClosed.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.connMu.Lock()
	defer db.connMu.Unlock()
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	logging.Info().Msg("DuckDB storage closed")
	return nil
}
