// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package deadletter keeps readings the ingestion pipeline gave up on.
//
// Dropped readings are written to BadgerDB keyed by reading id, with the
// failure reason, attempt count and a TTL. Replay feeds them back through an
// insert function and deletes each entry once it is stored, so a storage
// outage longer than the pipeline's retry budget does not lose data as long
// as it ends before the TTL.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// InMemoryPath opens a store that lives only in RAM.
const InMemoryPath = ":memory:"

const prefixDropped = "dropped:"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dead-letter store is closed")
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("dead-letter entry not found")
)

// Entry is one dropped reading.
type Entry struct {
	ID        string         `json:"id"`
	Reading   models.Reading `json:"reading"`
	Reason    string         `json:"reason"`
	LastError string         `json:"last_error,omitempty"`
	Attempts  int            `json:"attempts"`
	Source    string         `json:"source,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	DroppedAt time.Time      `json:"dropped_at"`

	// Replays counts failed replay attempts.
	Replays      int       `json:"replays"`
	LastReplayAt time.Time `json:"last_replay_at,omitempty"`
}

// Store is the BadgerDB-backed dead-letter store.
type Store struct {
	db  *badger.DB
	cfg config.DeadLetterConfig

	mu     sync.RWMutex
	closed bool

	// replayMu keeps replays from overlapping.
	replayMu sync.Mutex
}

// Open opens or creates the store at cfg.Path.
func Open(cfg config.DeadLetterConfig) (*Store, error) {
	var opts badger.Options
	if cfg.Path == InMemoryPath {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create dead-letter directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
		opts.SyncWrites = cfg.SyncWrites
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	n, err := s.Count(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	metrics.DeadLetterEntries.Set(float64(n))

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Dur("ttl", cfg.EntryTTL).
		Int("entries", n).
		Msg("Dead-letter store opened")
	return s, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func key(id string) []byte {
	return []byte(prefixDropped + id)
}

// Put stores e, replacing any entry with the same id.
func (s *Store) Put(_ context.Context, e *Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = e.Reading.ID
	}
	if e.ID == "" {
		return errors.New("dead-letter entry has no id")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		be := badger.NewEntry(key(e.ID), data)
		if s.cfg.EntryTTL > 0 {
			be = be.WithTTL(s.cfg.EntryTTL)
		}
		return txn.SetEntry(be)
	})
	if err != nil {
		return fmt.Errorf("write dead-letter entry: %w", err)
	}
	s.refreshGauge()
	return nil
}

// ReportDrop stores a dropped ingestion. Write failures are logged; the
// pipeline has nowhere else to send the reading.
func (s *Store) ReportDrop(ctx context.Context, ev ingest.DropEvent) {
	e := &Entry{
		ID:        ev.Reading.ID,
		Reading:   *ev.Reading,
		Reason:    ev.Kind,
		Attempts:  ev.Attempts,
		Source:    ev.Source,
		Topic:     ev.Topic,
		DroppedAt: ev.DroppedAt,
	}
	if ev.Err != nil {
		e.LastError = ev.Err.Error()
	}
	if e.DroppedAt.IsZero() {
		e.DroppedAt = time.Now().UTC()
	}

	if err := s.Put(ctx, e); err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("reading_id", e.ID).
			Msg("Failed to dead-letter dropped reading, reading lost")
		return
	}
	logging.Ctx(ctx).Info().
		Str("reading_id", e.ID).
		Str("reason", e.Reason).
		Msg("Dropped reading stored for replay")
}

// Get returns the entry with the given id.
func (s *Store) Get(_ context.Context, id string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns up to limit entries in key order. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDropped)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var e Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping unreadable dead-letter entry")
				continue
			}
			entries = append(entries, &e)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate dead-letter entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of live entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDropped)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count dead-letter entries: %w", err)
	}
	return n, nil
}

// Delete removes the entry with the given id.
func (s *Store) Delete(_ context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	}); err != nil {
		return fmt.Errorf("delete dead-letter entry: %w", err)
	}
	s.refreshGauge()
	return nil
}

// markFailed records a failed replay, keeping the original expiry.
func (s *Store) markFailed(e *Entry, replayErr error) error {
	e.Replays++
	e.LastReplayAt = time.Now().UTC()
	e.LastError = replayErr.Error()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(e.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		be := badger.NewEntry(key(e.ID), data)
		if exp := item.ExpiresAt(); exp > 0 {
			remaining := time.Until(time.Unix(int64(exp), 0))
			if remaining <= 0 {
				return txn.Delete(key(e.ID))
			}
			be = be.WithTTL(remaining)
		}
		return txn.SetEntry(be)
	})
}

func (s *Store) refreshGauge() {
	n, err := s.Count(context.Background())
	if err != nil {
		return
	}
	metrics.DeadLetterEntries.Set(float64(n))
}

// RunGC reclaims value log space. Badger returns ErrNoRewrite when there was
// nothing to collect; that is not an error here.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.Path == InMemoryPath {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log GC: %w", err)
	}
	return nil
}

// Close closes the store. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Msg("Dead-letter store closed")
	return nil
}
