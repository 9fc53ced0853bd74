// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DeadLetterConfig{
		Enabled:  true,
		Path:     filepath.Join(t.TempDir(), "deadletter"),
		EntryTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReading(id string) *models.Reading {
	return &models.Reading{
		ID:         id,
		DeviceID:   "dev-1",
		SensorType: "temperature",
		Value:      21.5,
		Unit:       "C",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:   models.EmptyMetadata,
	}
}

func TestStore_ReportDropAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.ReportDrop(ctx, ingest.DropEvent{
		Reading:  testReading("r-1"),
		Attempts: 5,
		Err:      errors.New("connection refused"),
		Kind:     "connection_lost",
		Source:   "mqtt",
		Topic:    "sensors/dev-1/data",
	})

	e, err := s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Reason != "connection_lost" || e.Attempts != 5 || e.LastError != "connection refused" {
		t.Errorf("entry = %+v", e)
	}
	if e.Reading.DeviceID != "dev-1" || e.Reading.Value != 21.5 {
		t.Errorf("reading = %+v", e.Reading)
	}
	if e.DroppedAt.IsZero() {
		t.Error("DroppedAt not set")
	}
	if got := testutil.ToFloat64(metrics.DeadLetterEntries); got != 1 {
		t.Errorf("DeadLetterEntries = %v, want 1", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestStore_PutOverwritesSameID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := s.Put(ctx, &Entry{Reading: *testReading("r-1"), Attempts: i}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	e, _ := s.Get(ctx, "r-1")
	if e.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", e.Attempts)
	}
}

func TestStore_PutRequiresID(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Put(context.Background(), &Entry{}); err == nil {
		t.Error("Put without id succeeded")
	}
}

func TestStore_ListLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Put(ctx, &Entry{Reading: *testReading(id)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, 4},
		{2, 2},
		{10, 4},
	}
	for _, tt := range tests {
		entries, err := s.List(ctx, tt.limit)
		if err != nil {
			t.Fatalf("List(%d): %v", tt.limit, err)
		}
		if len(entries) != tt.want {
			t.Errorf("List(%d) returned %d entries, want %d", tt.limit, len(entries), tt.want)
		}
	}
}

func TestStore_ReplayDeletesOnSuccess(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"ok-1", "bad-1", "ok-2"} {
		if err := s.Put(ctx, &Entry{Reading: *testReading(id)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var inserted []string
	insert := func(_ context.Context, r *models.Reading) error {
		if r.ID == "bad-1" {
			return errors.New("still down")
		}
		inserted = append(inserted, r.ID)
		return nil
	}

	res, err := s.Replay(ctx, insert, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Replayed != 2 || res.Failed != 1 {
		t.Errorf("result = %+v, want 2 replayed, 1 failed", res)
	}
	if len(inserted) != 2 {
		t.Errorf("inserted = %v", inserted)
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Fatalf("Count after replay = %d, want 1", n)
	}
	e, err := s.Get(ctx, "bad-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Replays != 1 || e.LastError != "still down" || e.LastReplayAt.IsZero() {
		t.Errorf("failed entry = %+v", e)
	}
}

func TestStore_ReplayStopsOnCancel(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"a", "b"} {
		if err := s.Put(context.Background(), &Entry{Reading: *testReading(id)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	calls := 0
	insert := func(_ context.Context, _ *models.Reading) error {
		calls++
		cancel()
		return nil
	}
	_, err := s.Replay(ctx, insert, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Replay err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("insert called %d times, want 1", calls)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	cfg := config.DeadLetterConfig{Path: filepath.Join(t.TempDir(), "dl"), SyncWrites: true}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(context.Background(), &Entry{Reading: *testReading("keep")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), "keep"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}

func TestStore_InMemory(t *testing.T) {
	s, err := Open(config.DeadLetterConfig{Path: InMemoryPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Put(context.Background(), &Entry{Reading: *testReading("m")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.RunGC(); err != nil {
		t.Errorf("RunGC: %v", err)
	}
}

func TestStore_Closed(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Put(context.Background(), &Entry{Reading: *testReading("x")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := s.Count(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Count after close = %v, want ErrClosed", err)
	}
}

func TestReplayer_StartShutdown(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Put(context.Background(), &Entry{Reading: *testReading("tick")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan string, 1)
	insert := func(_ context.Context, r *models.Reading) error {
		select {
		case done <- r.ID:
		default:
		}
		return nil
	}

	r := NewReplayer(s, insert, config.DeadLetterConfig{ReplayInterval: 10 * time.Millisecond, ReplayBatch: 5})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrReplayerRunning) {
		t.Errorf("second Start = %v, want ErrReplayerRunning", err)
	}
	if !r.IsRunning() {
		t.Error("IsRunning = false after Start")
	}

	select {
	case id := <-done:
		if id != "tick" {
			t.Errorf("replayed %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replayer never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.IsRunning() {
		t.Error("IsRunning = true after Shutdown")
	}
}
