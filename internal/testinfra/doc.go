// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package testinfra provides test infrastructure for integration testing with containers.
//
// This package uses testcontainers-go to run the brokers SensorStream talks
// to in production, so the sources and the forwarder are exercised against
// real servers rather than the embedded ones used by unit tests.
//
// # NATS Container
//
// NATSContainer runs nats-server with JetStream enabled:
//
//	func TestForwarding(t *testing.T) {
//	    ctx := context.Background()
//	    natsC, err := testinfra.NewNATSContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, natsC.Container)
//
//	    cfg := config.Default().NATS
//	    cfg.URL = natsC.URL
//	    // ...
//	}
//
// # MQTT Container
//
// MosquittoContainer runs Eclipse Mosquitto with anonymous access for the
// MQTT v5 source.
//
// # CI Considerations
//
// Every file is behind the integration build tag:
//
//	go test -tags integration ./internal/testinfra/...
//
// Tests are skipped gracefully if Docker is unavailable. First run may need
// to download container images.
package testinfra
