// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

/*
Package broker connects SensorStream to its message brokers.

Sources:
  - MQTTSource: MQTT v5 subscription via paho with manual, in-order acks
  - NATSSource: JetStream durable consumer via Watermill

Both hand every message to a Dispatcher (the topic router) as an
ingest.Delivery whose Ack and Nack settle the broker message once the
pipeline is done with it.

Embedded brokers:
  - EmbeddedNATS: nats-server with JetStream, for single-node installs
  - EmbeddedMQTT: mochi-mqtt broker accepting every client

EnsureStream and ProvisionStreams create the JetStream streams the NATS
source and the forwarding sink expect.
*/
package broker
