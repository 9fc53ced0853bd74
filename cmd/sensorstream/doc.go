// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

/*
Command sensorstream ingests sensor readings from MQTT and NATS JetStream,
persists them to DuckDB and optionally forwards them to a JetStream subject.

# Startup Order

 1. Configuration: defaults, optional config.yaml (CONFIG_PATH), environment (koanf v2)
 2. Storage: DuckDB schema, BadgerDB dead-letter store and replayer
 3. Brokers: embedded NATS server and MQTT broker (if enabled), JetStream
    stream provisioning, forwarding publisher
 4. Pipeline and sources: one topic router per broker feeding the shared
    ingestion pipeline
 5. Supervisor tree: storage, ingest and ops layers under suture v4

# Configuration

Common environment variables:

	MQTT_ENABLED=true
	MQTT_BROKER_HOST=mqtt.local
	MQTT_TOPICS=sensors/+/data
	NATS_ENABLED=true
	NATS_URL=nats://nats.local:4222
	FORWARD_ENABLED=true
	DUCKDB_PATH=/data/sensorstream.duckdb
	PIPELINE_WORKERS=8
	LOG_LEVEL=debug

Single binary with embedded brokers:

	MQTT_EMBEDDED=true MQTT_EMBEDDED_ADDR=:1883 \
	NATS_EMBEDDED=true FORWARD_ENABLED=true \
	./sensorstream

# Signal Handling

SIGINT and SIGTERM cancel the root context. Sources stop receiving, the
pipeline drains its queue within PIPELINE_SHUTDOWN_TIMEOUT and whatever is
left unsettled is redelivered by the broker on the next start. The
forwarder, dead-letter store and database are closed after the tree stops.

# Ops Endpoints

With OPS_ENABLED=true the ops server listens on OPS_HOST:OPS_PORT
(default 0.0.0.0:9090) and serves /healthz, /readyz, /metrics and
/deadletter.
*/
package main
