// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package broker

import (
	"context"
	"fmt"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/tomtom215/sensorstream/internal/logging"
)

// EmbeddedMQTT is an in-process MQTT v5 broker that accepts every client.
// It serves single-node deployments without an external broker and the
// source tests.
type EmbeddedMQTT struct {
	server *mochi.Server
	addr   string

	closeOnce sync.Once
	closeErr  error
}

// StartEmbeddedMQTT starts a broker with a TCP listener on addr.
func StartEmbeddedMQTT(addr string) (*EmbeddedMQTT, error) {
	srv := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logging.NewSlogLogger(),
	})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "sensorstream-tcp",
		Address: addr,
	})
	if err := srv.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add MQTT listener: %w", err)
	}
	if err := srv.Serve(); err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("start MQTT broker: %w", err)
	}

	logging.Info().Str("addr", addr).Msg("Embedded MQTT broker started")
	return &EmbeddedMQTT{server: srv, addr: addr}, nil
}

// Addr is the configured listen address.
func (b *EmbeddedMQTT) Addr() string {
	return b.addr
}

// Publish injects a message as if a device had sent it.
func (b *EmbeddedMQTT) Publish(topic string, payload []byte, qos byte) error {
	return b.server.Publish(topic, payload, false, qos)
}

// Shutdown closes every listener and client. Later calls return the first
// result.
func (b *EmbeddedMQTT) Shutdown(_ context.Context) error {
	b.closeOnce.Do(func() {
		if err := b.server.Close(); err != nil {
			b.closeErr = fmt.Errorf("close MQTT broker: %w", err)
			return
		}
		logging.Info().Msg("Embedded MQTT broker stopped")
	})
	return b.closeErr
}
