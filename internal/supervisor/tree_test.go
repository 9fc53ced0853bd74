// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewTree_Defaults(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})
	if tree.Root() == nil {
		t.Fatal("root supervisor is nil")
	}

	def := DefaultTreeConfig()
	if tree.config != def {
		t.Errorf("config = %+v, want %+v", tree.config, def)
	}
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %f, want 5", cfg.FailureThreshold)
	}
	if cfg.FailureDecay != 30.0 {
		t.Errorf("FailureDecay = %f, want 30", cfg.FailureDecay)
	}
	if cfg.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v, want 15s", cfg.FailureBackoff)
	}
	if cfg.ShutdownTimeout != 35*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 35s", cfg.ShutdownTimeout)
	}
}

func TestTree_StartsEveryLayer(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})

	storage := newMockService("pipeline")
	ingest := newMockService("mqtt-source")
	ops := newMockService("http-server")
	tree.AddStorageService(storage)
	tree.AddIngestService(ingest)
	tree.AddOpsService(ops)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for storage.startCount.Load() == 0 || ingest.startCount.Load() == 0 || ops.startCount.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("not every layer started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down")
	}
}

func TestTree_RestartsFailingService(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	failing := newMockService("nats-source")
	failing.maxFails = 2
	stable := newMockService("http-server")
	tree.AddIngestService(failing)
	tree.AddOpsService(stable)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = tree.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for failing.startCount.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("failing service started %d times, want >= 3", failing.startCount.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stable.startCount.Load() != 1 {
		t.Errorf("stable service started %d times, want 1", stable.startCount.Load())
	}
}
