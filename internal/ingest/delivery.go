// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package ingest

import (
	"time"
)

// Source names used in logs and metric labels.
const (
	SourceMQTT = "mqtt"
	SourceNATS = "nats"
)

// Delivery is one broker message as handed to the router by a source.
//
// Ack tells the broker the message reached a terminal state and must not be
// redelivered. Nack asks for redelivery; sources that cannot redeliver on
// demand leave it nil and the message stays unacknowledged until the broker
// times it out or the session is resumed. Exactly one of the two is called
// per delivery.
type Delivery struct {
	ID         string
	Source     string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time

	Ack  func()
	Nack func()
}

func (d *Delivery) ack() {
	if d.Ack != nil {
		d.Ack()
	}
}

func (d *Delivery) nack() {
	if d.Nack != nil {
		d.Nack()
	}
}

// Settle acknowledges the delivery. Used by the router for messages that
// never reach the pipeline.
func (d *Delivery) Settle() {
	d.ack()
}

// Release asks the broker to redeliver. Used when the pipeline refuses a
// reading it could not queue.
func (d *Delivery) Release() {
	d.nack()
}
