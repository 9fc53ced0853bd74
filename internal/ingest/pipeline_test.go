// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/database"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// fakeStore fails the first failures[id] inserts of a reading with err.
type fakeStore struct {
	mu       sync.Mutex
	failures map[string]int
	err      error
	delay    time.Duration
	attempts map[string]int
	inserted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures: make(map[string]int),
		attempts: make(map[string]int),
		err:      &database.StorageError{Kind: database.KindConnectionLost, Op: "insert", Err: errors.New("bad connection")},
	}
}

func (s *fakeStore) Insert(ctx context.Context, r *models.Reading) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[r.ID]++
	if n := s.failures[r.ID]; n != 0 {
		if n > 0 {
			s.failures[r.ID] = n - 1
		}
		return s.err
	}
	s.inserted = append(s.inserted, r.ID)
	return nil
}

func (s *fakeStore) snapshot(id string) (attempts, inserted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.inserted {
		if v == id {
			inserted++
		}
	}
	return s.attempts[id], inserted
}

type dropRecorder struct {
	mu     sync.Mutex
	events []DropEvent
}

func (d *dropRecorder) ReportDrop(_ context.Context, ev DropEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *dropRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

// settleCounter records how a delivery was settled.
type settleCounter struct {
	acks  atomic.Int32
	nacks atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func newSettleCounter() *settleCounter {
	return &settleCounter{done: make(chan struct{})}
}

func (c *settleCounter) delivery(topic string) Delivery {
	return Delivery{
		ID:     "test",
		Source: SourceMQTT,
		Topic:  topic,
		Ack: func() {
			c.acks.Add(1)
			c.once.Do(func() { close(c.done) })
		},
		Nack: func() {
			c.nacks.Add(1)
			c.once.Do(func() { close(c.done) })
		},
	}
}

func (c *settleCounter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was never settled")
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Workers:         2,
		QueueSize:       8,
		EnqueueTimeout:  time.Second,
		PersistTimeout:  time.Second,
		MaxAttempts:     5,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func testReading(id string) *models.Reading {
	return &models.Reading{
		ID:         id,
		DeviceID:   "device-001",
		SensorType: "temperature",
		Value:      21.5,
		Unit:       "C",
		Timestamp:  time.Now().UTC(),
		Metadata:   models.EmptyMetadata,
	}
}

func startPipeline(t *testing.T, cfg config.PipelineConfig, store Store, opts ...Option) *Pipeline {
	t.Helper()
	p := New(cfg, store, opts...)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPipeline_RetryThenPersist(t *testing.T) {
	store := newFakeStore()
	store.failures["r1"] = 3
	drops := &dropRecorder{}
	p := startPipeline(t, testPipelineConfig(), store, WithDropReporter(drops))

	sc := newSettleCounter()
	if err := p.Submit(context.Background(), testReading("r1"), sc.delivery("sensors/device-001/data")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sc.wait(t)

	attempts, inserted := store.snapshot("r1")
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if inserted != 1 {
		t.Errorf("persisted %d times, want exactly once", inserted)
	}
	if drops.count() != 0 {
		t.Errorf("drop events = %d, want 0", drops.count())
	}
	if sc.acks.Load() != 1 || sc.nacks.Load() != 0 {
		t.Errorf("acks/nacks = %d/%d, want 1/0", sc.acks.Load(), sc.nacks.Load())
	}
}

func TestPipeline_ExhaustedRetriesDropAndContinue(t *testing.T) {
	store := newFakeStore()
	store.failures["bad"] = -1
	drops := &dropRecorder{}
	cfg := testPipelineConfig()
	cfg.MaxAttempts = 3
	p := startPipeline(t, cfg, store, WithDropReporter(drops))

	before := testutil.ToFloat64(metrics.IngestionDropped.WithLabelValues("connection_lost"))

	bad := newSettleCounter()
	if err := p.Submit(context.Background(), testReading("bad"), bad.delivery("t")); err != nil {
		t.Fatalf("Submit(bad) error = %v", err)
	}
	bad.wait(t)

	good := newSettleCounter()
	if err := p.Submit(context.Background(), testReading("good"), good.delivery("t")); err != nil {
		t.Fatalf("Submit(good) error = %v", err)
	}
	good.wait(t)

	if drops.count() != 1 {
		t.Fatalf("drop events = %d, want 1", drops.count())
	}
	ev := drops.events[0]
	if ev.Reading.ID != "bad" || ev.Attempts != 3 || ev.Kind != "connection_lost" {
		t.Errorf("drop event = %+v", ev)
	}
	if bad.acks.Load() != 1 {
		t.Errorf("dropped delivery acks = %d, want 1", bad.acks.Load())
	}
	if _, inserted := store.snapshot("good"); inserted != 1 {
		t.Errorf("later reading persisted %d times, want 1", inserted)
	}
	if got := testutil.ToFloat64(metrics.IngestionDropped.WithLabelValues("connection_lost")) - before; got != 1 {
		t.Errorf("dropped metric delta = %v, want 1", got)
	}
}

func TestPipeline_PermanentErrorNotRetried(t *testing.T) {
	store := newFakeStore()
	store.failures["r1"] = -1
	store.err = &database.StorageError{Kind: database.KindConstraintViolation, Op: "insert", Err: errors.New("Constraint Error")}
	drops := &dropRecorder{}
	p := startPipeline(t, testPipelineConfig(), store, WithDropReporter(drops))

	sc := newSettleCounter()
	if err := p.Submit(context.Background(), testReading("r1"), sc.delivery("t")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sc.wait(t)

	if attempts, _ := store.snapshot("r1"); attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if drops.count() != 1 || drops.events[0].Kind != "constraint_violation" {
		t.Errorf("drop events = %+v", drops.events)
	}
}

type failingForwarder struct {
	calls atomic.Int32
}

func (f *failingForwarder) Publish(context.Context, *models.Reading) error {
	f.calls.Add(1)
	return errors.New("sink unavailable")
}

func TestPipeline_ForwardFailureDoesNotAffectPersist(t *testing.T) {
	store := newFakeStore()
	fwd := &failingForwarder{}
	p := startPipeline(t, testPipelineConfig(), store, WithForwarder(fwd))

	sc := newSettleCounter()
	if err := p.Submit(context.Background(), testReading("r1"), sc.delivery("t")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sc.wait(t)

	deadline := time.Now().Add(2 * time.Second)
	for fwd.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fwd.calls.Load() != 1 {
		t.Errorf("forward calls = %d, want 1", fwd.calls.Load())
	}
	if _, inserted := store.snapshot("r1"); inserted != 1 {
		t.Errorf("persisted %d times, want 1", inserted)
	}
	if sc.acks.Load() != 1 {
		t.Errorf("acks = %d, want 1", sc.acks.Load())
	}
}

func TestPipeline_QueueFull(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = 20 * time.Millisecond
	p := New(cfg, newFakeStore())

	ctx := context.Background()
	if err := p.Submit(ctx, testReading("r1"), Delivery{}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	start := time.Now()
	err := p.Submit(ctx, testReading("r2"), Delivery{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() on full queue error = %v, want ErrQueueFull", err)
	}
	if time.Since(start) < cfg.EnqueueTimeout {
		t.Error("Submit returned before the enqueue timeout")
	}
	if p.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1", p.QueueDepth())
	}
}

func TestPipeline_SubmitBlocksUntilSpace(t *testing.T) {
	store := newFakeStore()
	store.delay = 50 * time.Millisecond
	cfg := testPipelineConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	p := startPipeline(t, cfg, store)

	counters := make([]*settleCounter, 4)
	for i := range counters {
		counters[i] = newSettleCounter()
		id := string(rune('a' + i))
		if err := p.Submit(context.Background(), testReading(id), counters[i].delivery("t")); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}
	for _, c := range counters {
		c.wait(t)
	}
}

func TestPipeline_ShutdownDrains(t *testing.T) {
	store := newFakeStore()
	store.delay = 5 * time.Millisecond
	cfg := testPipelineConfig()
	cfg.QueueSize = 32
	p := New(cfg, store)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var acked atomic.Int32
	for i := 0; i < 20; i++ {
		d := Delivery{Ack: func() { acked.Add(1) }}
		if err := p.Submit(context.Background(), testReading(time.Now().String()+string(rune('a'+i))), d); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if acked.Load() != 20 {
		t.Errorf("acked = %d, want 20", acked.Load())
	}
	if p.IsRunning() {
		t.Error("IsRunning() = true after Shutdown")
	}
	if err := p.Submit(context.Background(), testReading("late"), Delivery{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Shutdown error = %v, want ErrStopped", err)
	}
}

func TestPipeline_ForcedShutdownAbandons(t *testing.T) {
	store := newFakeStore()
	store.delay = time.Second
	cfg := testPipelineConfig()
	cfg.Workers = 1
	p := New(cfg, store)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sc := newSettleCounter()
	if err := p.Submit(context.Background(), testReading("slow"), sc.delivery("t")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want deadline exceeded", err)
	}
	sc.wait(t)
	if sc.nacks.Load() != 1 || sc.acks.Load() != 0 {
		t.Errorf("acks/nacks = %d/%d, want 0/1", sc.acks.Load(), sc.nacks.Load())
	}
	if _, inserted := store.snapshot("slow"); inserted != 0 {
		t.Errorf("abandoned reading persisted %d times", inserted)
	}
}

func TestPipeline_StartTwice(t *testing.T) {
	p := startPipeline(t, testPipelineConfig(), newFakeStore())
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestPipeline_SlowWritesPauseIntake(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.SlowWriteThreshold = time.Millisecond
	cfg.BackpressurePause = 30 * time.Millisecond
	p := New(cfg, newFakeStore())
	p.lastPersistNanos.Store(int64(10 * time.Millisecond))

	before := testutil.ToFloat64(metrics.BackpressureWaits.WithLabelValues("slow_write"))
	start := time.Now()
	if err := p.Submit(context.Background(), testReading("r1"), Delivery{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if time.Since(start) < cfg.BackpressurePause {
		t.Error("Submit did not pause for slow writes")
	}
	if got := testutil.ToFloat64(metrics.BackpressureWaits.WithLabelValues("slow_write")) - before; got != 1 {
		t.Errorf("slow_write waits delta = %v, want 1", got)
	}
}

func TestPipeline_RateLimit(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.RateLimit = 20
	cfg.RateBurst = 1
	cfg.QueueSize = 16
	p := New(cfg, newFakeStore())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Submit(context.Background(), testReading(string(rune('a'+i))), Delivery{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	// Burst of 1 at 20/s: the third submit waits about 100ms.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three submits took %v, want rate limiting", elapsed)
	}
}
