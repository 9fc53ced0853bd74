// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/sensorstream/internal/broker"
	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/forward"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/router"
)

// BrokerComponents holds the embedded brokers, the forwarder and the
// subscription sources.
type BrokerComponents struct {
	EmbeddedNATS *broker.EmbeddedNATS
	EmbeddedMQTT *broker.EmbeddedMQTT

	Forwarder forward.Forwarder

	MQTTSource *broker.MQTTSource
	NATSSource *broker.NATSSource

	wmLogger watermill.LoggerAdapter
}

// StartBrokers starts the embedded brokers that are enabled, provisions the
// JetStream streams and connects the forwarder. cfg is updated in place so
// clients dial the embedded brokers.
func StartBrokers(ctx context.Context, cfg *config.Config) (b *BrokerComponents, err error) {
	b = &BrokerComponents{
		Forwarder: forward.Noop{},
		wmLogger:  watermill.NewSlogLogger(logging.NewSlogLogger()),
	}
	defer func() {
		if err != nil {
			b.Close(context.Background())
			b = nil
		}
	}()

	if cfg.NATS.EmbeddedServer {
		b.EmbeddedNATS, err = broker.StartEmbeddedNATS(cfg.NATS)
		if err != nil {
			return b, fmt.Errorf("start embedded NATS: %w", err)
		}
		cfg.NATS.URL = b.EmbeddedNATS.ClientURL()
	}

	if cfg.MQTT.EmbeddedBroker {
		b.EmbeddedMQTT, err = broker.StartEmbeddedMQTT(cfg.MQTT.EmbeddedAddr)
		if err != nil {
			return b, fmt.Errorf("start embedded MQTT broker: %w", err)
		}
		host, port, err := dialAddr(cfg.MQTT.EmbeddedAddr)
		if err != nil {
			return b, err
		}
		cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort = host, port
	}

	if specs := streamSpecs(cfg); len(specs) > 0 {
		if err := broker.ProvisionStreams(ctx, cfg.NATS.URL, cfg.NATS.ConnectTimeout, specs...); err != nil {
			return b, fmt.Errorf("provision JetStream streams: %w", err)
		}
		logging.Info().Int("streams", len(specs)).Str("url", cfg.NATS.URL).Msg("JetStream streams ready")
	}

	if cfg.Forwarding.Enabled {
		pub, err := forward.NewNATSPublisher(cfg.Forwarding, cfg.NATS, b.wmLogger)
		if err != nil {
			return b, fmt.Errorf("create forwarder: %w", err)
		}
		b.Forwarder = pub
		logging.Info().Str("subject", cfg.Forwarding.Subject).Msg("Forwarding enabled")
	} else {
		logging.Info().Msg("Forwarding disabled (FORWARD_ENABLED=false)")
	}
	return b, nil
}

// InitSources builds a topic router and source for each enabled broker.
func (b *BrokerComponents) InitSources(cfg *config.Config, intake router.Intake) error {
	if cfg.MQTT.Enabled {
		r, err := router.New(router.SyntaxMQTT, cfg.MQTT.Topics, intake)
		if err != nil {
			return fmt.Errorf("MQTT topics: %w", err)
		}
		b.MQTTSource = broker.NewMQTTSource(cfg.MQTT, cfg.Pipeline.QueueSize, r)
		logging.Info().
			Str("broker", net.JoinHostPort(cfg.MQTT.BrokerHost, strconv.Itoa(cfg.MQTT.BrokerPort))).
			Strs("topics", r.Topics()).
			Msg("MQTT source configured")
	}

	if cfg.NATS.Enabled {
		r, err := router.New(router.SyntaxNATS, cfg.NATS.Subjects, intake)
		if err != nil {
			return fmt.Errorf("NATS subjects: %w", err)
		}
		src, err := broker.NewNATSSource(cfg.NATS, r, b.wmLogger)
		if err != nil {
			return fmt.Errorf("create NATS source: %w", err)
		}
		b.NATSSource = src
		logging.Info().
			Str("url", cfg.NATS.URL).
			Strs("subjects", r.Topics()).
			Msg("NATS source configured")
	}
	return nil
}

// Close releases the NATS subscriber, drains the forwarder and stops the
// embedded brokers. Safe to call after the supervisor has already stopped
// the brokers.
func (b *BrokerComponents) Close(ctx context.Context) {
	if b == nil {
		return
	}
	if b.NATSSource != nil {
		if err := b.NATSSource.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing NATS source")
		}
	}
	if b.Forwarder != nil {
		if err := b.Forwarder.Close(ctx); err != nil {
			logging.Warn().Err(err).Msg("Error closing forwarder")
		}
	}
	if b.EmbeddedMQTT != nil {
		if err := b.EmbeddedMQTT.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Error stopping embedded MQTT broker")
		}
	}
	if b.EmbeddedNATS != nil {
		if err := b.EmbeddedNATS.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Error stopping embedded NATS server")
		}
	}
}

func streamSpecs(cfg *config.Config) []broker.StreamSpec {
	var specs []broker.StreamSpec
	if cfg.NATS.Enabled && cfg.NATS.StreamName != "" {
		specs = append(specs, broker.StreamSpec{
			Name:     cfg.NATS.StreamName,
			Subjects: cfg.NATS.Subjects,
		})
	}
	if cfg.Forwarding.Enabled && cfg.Forwarding.StreamName != "" {
		specs = append(specs, broker.StreamSpec{
			Name:     cfg.Forwarding.StreamName,
			Subjects: []string{cfg.Forwarding.Subject},
		})
	}
	return specs
}

// dialAddr turns a listen address such as ":1883" into a host and port a
// local client can dial.
func dialAddr(listen string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, errors.New("listen address " + listen + " needs an explicit port")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
