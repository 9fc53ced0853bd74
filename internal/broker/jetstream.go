// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/sensorstream/internal/logging"
)

// StreamManager is the subset of jetstream.JetStream EnsureStream needs.
type StreamManager interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamSpec describes a stream to provision.
type StreamSpec struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64

	// DuplicateWindow is how long JetStream remembers Nats-Msg-Id values.
	DuplicateWindow time.Duration
}

func (s StreamSpec) config() jetstream.StreamConfig {
	maxBytes := s.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	dup := s.DuplicateWindow
	if dup == 0 {
		dup = 2 * time.Minute
	}
	return jetstream.StreamConfig{
		Name:       s.Name,
		Subjects:   s.Subjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     s.MaxAge,
		MaxBytes:   maxBytes,
		MaxMsgs:    -1,
		Duplicates: dup,
		Replicas:   1,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
}

// EnsureStream creates the stream, or updates it when it already exists.
// Safe to call on every start.
func EnsureStream(ctx context.Context, js StreamManager, spec StreamSpec) error {
	if spec.Name == "" {
		return errors.New("stream name required")
	}
	if len(spec.Subjects) == 0 {
		return fmt.Errorf("stream %s: no subjects", spec.Name)
	}
	cfg := spec.config()

	_, err := js.Stream(ctx, spec.Name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", spec.Name, err)
		}
		logging.Debug().Str("stream", spec.Name).Strs("subjects", spec.Subjects).Msg("JetStream stream updated")
		return nil
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", spec.Name, err)
		}
		logging.Info().Str("stream", spec.Name).Strs("subjects", spec.Subjects).Msg("JetStream stream created")
		return nil
	default:
		return fmt.Errorf("check stream %s: %w", spec.Name, err)
	}
}

// ProvisionStreams connects to url and ensures every spec. The connection is
// closed before returning.
func ProvisionStreams(ctx context.Context, url string, timeout time.Duration, specs ...StreamSpec) error {
	nc, err := natsgo.Connect(url,
		natsgo.Name("sensorstream-provisioner"),
		natsgo.Timeout(timeout),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	for _, spec := range specs {
		if err := EnsureStream(ctx, js, spec); err != nil {
			return err
		}
	}
	return nil
}
