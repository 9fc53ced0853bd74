// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package ingest is the ingestion pipeline between broker sources and
// storage.
//
// Broker receive tasks call Submit, which only enqueues onto a bounded
// channel. A fixed pool of workers drains the channel, persists each reading
// with bounded exponential retry, acknowledges the broker delivery once the
// reading is persisted or dropped, and then forwards persisted readings on a
// best-effort basis.
//
// Backpressure is layered: the optional token bucket paces intake, a full
// queue blocks Submit up to EnqueueTimeout, and slow storage writes make
// Submit pause before enqueuing. Because sources acknowledge only after the
// worker finishes, a blocked Submit also stops broker delivery once the
// broker's in-flight window is used up.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/database"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

var (
	// ErrQueueFull is returned by Submit when the queue stayed full for the
	// whole enqueue timeout.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrStopped is returned by Submit once Shutdown has begun.
	ErrStopped = errors.New("ingestion pipeline stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("ingestion pipeline already started")
)

// Store is the persistence the pipeline writes to.
type Store interface {
	Insert(ctx context.Context, r *models.Reading) error
}

// Forwarder publishes persisted readings downstream.
type Forwarder interface {
	Publish(ctx context.Context, r *models.Reading) error
}

type job struct {
	reading  *models.Reading
	delivery Delivery
}

// Pipeline is the bounded-queue worker pool.
type Pipeline struct {
	cfg       config.PipelineConfig
	store     Store
	forwarder Forwarder
	drops     DropReporter
	limiter   *rate.Limiter

	queue chan job

	// mu guards queue closing against concurrent Submit sends.
	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}
	stopOnce sync.Once

	started    atomic.Bool
	running    atomic.Bool
	workCancel context.CancelFunc
	wg         sync.WaitGroup

	// lastPersistNanos is the latency of the most recent persist attempt.
	lastPersistNanos atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithForwarder enables best-effort forwarding of persisted readings.
func WithForwarder(f Forwarder) Option {
	return func(p *Pipeline) {
		p.forwarder = f
	}
}

// WithDropReporter replaces the default log-only drop reporter.
func WithDropReporter(r DropReporter) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.drops = r
		}
	}
}

// New creates a pipeline writing to store. Call Start before Submit.
func New(cfg config.PipelineConfig, store Store, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		drops:    LogDropReporter{},
		queue:    make(chan job, cfg.QueueSize),
		stopping: make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool. Workers run until Shutdown; ctx only
// supplies values such as the logger, cancelling it does not stop them.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.workCancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(workCtx, i)
	}
	p.running.Store(true)

	logging.Info().
		Int("workers", p.cfg.Workers).
		Int("queue_size", p.cfg.QueueSize).
		Int("max_attempts", p.cfg.MaxAttempts).
		Float64("rate_limit", p.cfg.RateLimit).
		Msg("Ingestion pipeline started")
	return nil
}

// IsRunning reports whether workers are accepting jobs.
func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

// QueueDepth returns the number of readings waiting for a worker.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// Submit hands a validated reading to the pipeline. It blocks while intake
// is throttled or the queue is full, up to the enqueue timeout. On success
// the pipeline owns the delivery and will settle it; on error the caller
// still owns it.
func (p *Pipeline) Submit(ctx context.Context, r *models.Reading, d Delivery) error {
	select {
	case <-p.stopping:
		return ErrStopped
	default:
	}

	ctx, cancel := p.enqueueContext(ctx)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			metrics.RecordBackpressure("rate_limit")
			// Wait fails early when the token would arrive after the deadline.
			if ctx.Err() == nil {
				return ErrQueueFull
			}
			return p.enqueueError(ctx, err)
		}
	}

	if err := p.pauseIfSlow(ctx); err != nil {
		return p.enqueueError(ctx, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	j := job{reading: r, delivery: d}
	select {
	case p.queue <- j:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
	}

	metrics.RecordBackpressure("queue_full")
	select {
	case p.queue <- j:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-p.stopping:
		return ErrStopped
	case <-ctx.Done():
		return p.enqueueError(ctx, ctx.Err())
	}
}

func (p *Pipeline) enqueueContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.EnqueueTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.EnqueueTimeout)
}

// enqueueError maps an expired enqueue deadline to ErrQueueFull and leaves
// caller cancellation as is.
func (p *Pipeline) enqueueError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrQueueFull
	}
	return err
}

// pauseIfSlow delays intake while the last persist was slower than the
// configured threshold.
func (p *Pipeline) pauseIfSlow(ctx context.Context) error {
	if p.cfg.SlowWriteThreshold <= 0 || p.cfg.BackpressurePause <= 0 {
		return nil
	}
	if time.Duration(p.lastPersistNanos.Load()) <= p.cfg.SlowWriteThreshold {
		return nil
	}

	metrics.RecordBackpressure("slow_write")
	timer := time.NewTimer(p.cfg.BackpressurePause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-p.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for j := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))
		p.process(ctx, j)
	}
	logging.Debug().Int("worker", id).Msg("Ingestion worker stopped")
}

// process drives one reading to a terminal state and settles its delivery.
func (p *Pipeline) process(ctx context.Context, j job) {
	r := j.reading
	ctx = logging.ContextWithDelivery(ctx, j.delivery.ID, j.delivery.Topic, j.delivery.Source)

	attempts, err := p.persist(ctx, r)
	switch {
	case err == nil:
		j.delivery.ack()
		logging.Ctx(ctx).Debug().
			Str("reading_id", r.ID).
			Str("series", r.Series().String()).
			Int("attempts", attempts).
			Msg("Reading persisted")
		p.forward(ctx, r)

	case ctx.Err() != nil:
		// Forced shutdown. Leave the delivery unsettled so the broker
		// redelivers it to the next process.
		j.delivery.nack()
		logging.Ctx(ctx).Warn().
			Str("reading_id", r.ID).
			Int("attempts", attempts).
			Msg("Persist abandoned by shutdown")

	default:
		kind := database.KindOf(err).String()
		metrics.RecordDropped(kind)
		p.drops.ReportDrop(ctx, DropEvent{
			Reading:   r,
			Attempts:  attempts,
			Err:       err,
			Kind:      kind,
			Source:    j.delivery.Source,
			Topic:     j.delivery.Topic,
			DroppedAt: time.Now().UTC(),
		})
		j.delivery.ack()
	}
}

// persist inserts r with bounded exponential retry. Each attempt gets its own
// timeout; errors the store marks as permanent end the retry early.
func (p *Pipeline) persist(ctx context.Context, r *models.Reading) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, p.persistTimeout())
		start := time.Now()
		err := p.store.Insert(actx, r)
		cancel()

		elapsed := time.Since(start)
		p.lastPersistNanos.Store(int64(elapsed))
		metrics.RecordPersistAttempt(elapsed, err)
		if err != nil && !database.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, next time.Duration) {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("reading_id", r.ID).
			Int("attempt", attempts).
			Dur("retry_in", next).
			Msg("Persist failed, retrying")
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.cfg.MaxElapsed),
		backoff.WithNotify(notify),
	)
	return attempts, err
}

func (p *Pipeline) persistTimeout() time.Duration {
	if p.cfg.PersistTimeout <= 0 {
		return 5 * time.Second
	}
	return p.cfg.PersistTimeout
}

// forward publishes a persisted reading. Failures are logged and counted by
// the forwarder; they never affect the persisted row.
func (p *Pipeline) forward(ctx context.Context, r *models.Reading) {
	if p.forwarder == nil {
		return
	}
	if err := p.forwarder.Publish(ctx, r); err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("reading_id", r.ID).
			Msg("Forwarding failed")
	}
}

// Shutdown stops intake, lets workers drain the queue and waits for them
// until ctx expires. On expiry in-flight work is abandoned: pending persist
// attempts are cancelled and their deliveries left for redelivery.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopping)
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
	})

	if !p.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.running.Store(false)
	select {
	case <-done:
		p.workCancel()
		logging.Info().Msg("Ingestion pipeline drained")
		return nil
	case <-ctx.Done():
		p.workCancel()
		<-done
		logging.Warn().Msg("Ingestion pipeline shutdown timed out, in-flight readings abandoned")
		return ctx.Err()
	}
}
