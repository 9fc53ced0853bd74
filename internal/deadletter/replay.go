// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// InsertFunc stores one reading. *database.DB's Insert satisfies it.
type InsertFunc func(ctx context.Context, r *models.Reading) error

// ReplayResult summarizes one Replay pass.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replay feeds up to batch entries to insert. Entries that insert cleanly
// are deleted; failures stay in the store with Replays incremented. The pass
// stops early when ctx is done.
func (s *Store) Replay(ctx context.Context, insert InsertFunc, batch int) (ReplayResult, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	var res ReplayResult
	entries, err := s.List(ctx, batch)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		reading := e.Reading
		if err := insert(ctx, &reading); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			metrics.RecordDeadLetterReplay(false)
			if mErr := s.markFailed(e, err); mErr != nil {
				logging.Warn().Err(mErr).Str("reading_id", e.ID).Msg("Failed to update dead-letter entry")
			}
			continue
		}

		res.Replayed++
		metrics.RecordDeadLetterReplay(true)
		if err := s.Delete(ctx, e.ID); err != nil {
			logging.Warn().Err(err).Str("reading_id", e.ID).Msg("Replayed reading could not be removed from dead-letter store")
		}
	}
	return res, nil
}

// Replayer periodically replays dead-lettered readings.
type Replayer struct {
	store    *Store
	insert   InsertFunc
	interval time.Duration
	batch    int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReplayer creates a replayer. Zero interval and batch fall back to one
// minute and 100 entries.
func NewReplayer(store *Store, insert InsertFunc, cfg config.DeadLetterConfig) *Replayer {
	interval := cfg.ReplayInterval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.ReplayBatch
	if batch <= 0 {
		batch = 100
	}
	return &Replayer{
		store:    store,
		insert:   insert,
		interval: interval,
		batch:    batch,
	}
}

// ErrReplayerRunning is returned by Start when the loop is already running.
var ErrReplayerRunning = errors.New("replayer already running")

// Start launches the replay loop.
func (r *Replayer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrReplayerRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop(ctx, r.stopCh, r.doneCh)

	logging.Info().
		Dur("interval", r.interval).
		Int("batch", r.batch).
		Msg("Dead-letter replayer started")
	return nil
}

// Shutdown stops the loop and waits for an in-progress pass to finish or ctx
// to expire.
func (r *Replayer) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	select {
	case <-done:
		logging.Info().Msg("Dead-letter replayer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is active.
func (r *Replayer) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Replayer) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single replay pass and value log GC.
func (r *Replayer) RunOnce(ctx context.Context) ReplayResult {
	res, err := r.store.Replay(ctx, r.insert, r.batch)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Msg("Dead-letter replay pass failed")
	}
	if res.Replayed > 0 || res.Failed > 0 {
		logging.Info().
			Int("replayed", res.Replayed).
			Int("failed", res.Failed).
			Msg("Dead-letter replay pass complete")
	}
	if err := r.store.RunGC(); err != nil {
		logging.Debug().Err(err).Msg("Dead-letter value log GC failed")
	}
	return res
}
