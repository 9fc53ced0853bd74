// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package main

import (
	"context"

	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sensorstream/internal/forward"
	"github.com/tomtom215/sensorstream/internal/health"
	"github.com/tomtom215/sensorstream/internal/ingest"
)

// queueDegradedRatio marks the pipeline degraded once the queue is this full.
const queueDegradedRatio = 0.9

// registerHealthChecks wires every component into checker. Only the
// database and a stopped pipeline make the process unhealthy; broker
// disconnects and an open forwarding circuit degrade it.
func registerHealthChecks(checker *health.Checker, storage *StorageComponents, brokers *BrokerComponents, pipeline *ingest.Pipeline, queueSize int) {
	checker.Register("database", health.ErrorCheck(storage.DB.Ping))

	checker.Register("pipeline", health.CheckFunc(func(context.Context) health.ComponentHealth {
		return pipelineHealth(pipeline.IsRunning(), pipeline.QueueDepth(), queueSize)
	}))

	if storage.DeadLetters != nil {
		store := storage.DeadLetters
		checker.Register("deadletter", health.CheckFunc(func(ctx context.Context) health.ComponentHealth {
			n, err := store.Count(ctx)
			if err != nil {
				return health.ComponentHealth{Healthy: false, Error: err.Error()}
			}
			return health.ComponentHealth{Healthy: true, Details: map[string]any{"entries": n}}
		}))
	}

	if src := brokers.MQTTSource; src != nil {
		checker.Register("mqtt", health.CheckFunc(func(context.Context) health.ComponentHealth {
			return connectionHealth(src.Connected(), "reconnecting to MQTT broker")
		}))
	}
	if src := brokers.NATSSource; src != nil {
		checker.Register("nats", health.CheckFunc(func(context.Context) health.ComponentHealth {
			return connectionHealth(src.Subscribed(), "JetStream subscription not active")
		}))
	}

	if pub, ok := brokers.Forwarder.(*forward.Publisher); ok {
		checker.Register("forwarder", health.CheckFunc(func(context.Context) health.ComponentHealth {
			return breakerHealth(pub.State())
		}))
	}
}

func pipelineHealth(running bool, depth, capacity int) health.ComponentHealth {
	h := health.ComponentHealth{
		Healthy: running,
		Details: map[string]any{"queue_depth": depth, "queue_capacity": capacity},
	}
	switch {
	case !running:
		h.Message = "pipeline not running"
	case capacity > 0 && float64(depth) >= queueDegradedRatio*float64(capacity):
		h.Degraded = true
		h.Message = "ingestion queue nearly full"
	}
	return h
}

func connectionHealth(connected bool, downMessage string) health.ComponentHealth {
	if connected {
		return health.ComponentHealth{Healthy: true}
	}
	return health.ComponentHealth{Healthy: true, Degraded: true, Message: downMessage}
}

func breakerHealth(state gobreaker.State) health.ComponentHealth {
	h := health.ComponentHealth{
		Healthy: true,
		Details: map[string]any{"circuit": state.String()},
	}
	if state != gobreaker.StateClosed {
		h.Degraded = true
		h.Message = "forwarding circuit " + state.String()
	}
	return h
}
