// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package models defines the sensor reading value type and the derived
// result types shared by the ingestion and query paths.
package models

import (
	"time"
)

// EmptyMetadata is the serialized form of an absent metadata payload.
const EmptyMetadata = "{}"

// Reading is one normalized sensor observation.
//
// DeviceID and SensorType together identify a series. Readings are append-only:
// nothing on the ingestion path mutates one after ParseReading returns it.
type Reading struct {
	// ID is assigned at parse time and travels with the reading to storage,
	// the forwarding sink and the dead-letter store.
	ID string `json:"id"`

	DeviceID   string  `json:"device_id" validate:"required,max=255"`
	SensorType string  `json:"sensor_type" validate:"required,max=255"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit" validate:"required,max=64"`

	// Timestamp is when the reading was taken, always UTC.
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Location is "" when unset, never null.
	Location string `json:"location" validate:"max=255"`

	// Metadata is an opaque serialized JSON document, "{}" when absent.
	Metadata string `json:"metadata"`

	// ReceivedAt is when the broker source took delivery of the message.
	ReceivedAt time.Time `json:"received_at"`
}

// SeriesKey identifies the series a reading belongs to.
type SeriesKey struct {
	DeviceID   string
	SensorType string
}

// Series returns the reading's series key.
func (r *Reading) Series() SeriesKey {
	return SeriesKey{DeviceID: r.DeviceID, SensorType: r.SensorType}
}

// String formats the key as device/sensor for logs and lock maps.
func (k SeriesKey) String() string {
	return k.DeviceID + "/" + k.SensorType
}

// Predicate filters readings for storage queries. Zero-valued filter fields are
// ignored. From and To bound the half-open window [From, To) and are only
// consulted by range and aggregate queries.
type Predicate struct {
	DeviceID   string
	SensorType string
	Location   string
	From       time.Time
	To         time.Time
	Limit      int
}

// HasWindow reports whether both window bounds are set.
func (p Predicate) HasWindow() bool {
	return !p.From.IsZero() && !p.To.IsZero()
}

// ValidWindow reports whether the window is non-empty (From strictly before To).
func (p Predicate) ValidWindow() bool {
	return p.HasWindow() && p.From.Before(p.To)
}

// SensorStats summarizes one series within a query window. It is derived on
// demand and never persisted.
type SensorStats struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	MinValue   float64   `json:"min_value"`
	MaxValue   float64   `json:"max_value"`
	AvgValue   float64   `json:"avg_value"`
	Count      int64     `json:"count"`
	Unit       string    `json:"unit"`
	From       time.Time `json:"from_timestamp"`
	To         time.Time `json:"to_timestamp"`
}

// DailySummary is one row of the pre-aggregated per-day table.
type DailySummary struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	Date       time.Time `json:"date"`
	MinValue   float64   `json:"min_value"`
	MaxValue   float64   `json:"max_value"`
	AvgValue   float64   `json:"avg_value"`
	Count      int64     `json:"count"`
}
