// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package services adapts SensorStream components to suture.Service.
//
//   - LifecycleService: Start/Shutdown components (pipeline, replayer)
//   - SourceService: blocking Run loops (MQTT and NATS sources)
//   - ShutdownService: components already running that only need stopping
//     (embedded brokers)
//   - HTTPServerService: *http.Server
package services
