// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package main

import (
	"errors"
	"fmt"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/database"
	"github.com/tomtom215/sensorstream/internal/deadletter"
	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/logging"
)

// StorageComponents holds the durable stores.
type StorageComponents struct {
	DB *database.DB

	// DeadLetters and Replayer are nil when the dead-letter store is disabled.
	DeadLetters *deadletter.Store
	Replayer    *deadletter.Replayer
}

// InitStorage opens DuckDB (creating the schema) and, when enabled, the
// dead-letter store.
func InitStorage(cfg *config.Config) (*StorageComponents, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	logging.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	s := &StorageComponents{DB: db}
	if !cfg.DeadLetter.Enabled {
		logging.Info().Msg("Dead-letter store disabled (DEADLETTER_ENABLED=false)")
		return s, nil
	}

	store, err := deadletter.Open(cfg.DeadLetter)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error().Err(closeErr).Msg("Error closing database")
		}
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	s.DeadLetters = store
	s.Replayer = deadletter.NewReplayer(store, db.Insert, cfg.DeadLetter)
	return s, nil
}

// DropReporter logs every dropped reading and, when enabled, stores it for
// replay.
func (s *StorageComponents) DropReporter() ingest.DropReporter {
	if s.DeadLetters == nil {
		return ingest.LogDropReporter{}
	}
	return ingest.MultiDropReporter{ingest.LogDropReporter{}, s.DeadLetters}
}

// Close closes the dead-letter store, then the database.
func (s *StorageComponents) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.DeadLetters != nil {
		if err := s.DeadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead-letter store: %w", err))
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
