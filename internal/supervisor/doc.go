// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

/*
Package supervisor runs SensorStream's long-lived services under suture v4.

The tree has three layers so a failing broker connection cannot take the
storage path or the ops endpoints down with it:

	sensorstream
	├── storage-layer
	│   ├── ingestion pipeline
	│   └── dead-letter replayer (if enabled)
	├── ingest-layer
	│   ├── embedded NATS server / MQTT broker (if enabled)
	│   ├── MQTT source (if enabled)
	│   └── NATS source (if enabled)
	└── ops-layer
	    └── HTTP server (health, readiness, metrics)

A service that returns an error is restarted with suture's backoff. Events
are logged through sutureslog into the process logger.

The adapters in the services subpackage translate the components'
Start/Shutdown and Run lifecycles into suture.Service.
*/
package supervisor
