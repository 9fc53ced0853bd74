// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package metrics holds the Prometheus collectors for SensorStream and the
// Record* helpers the other packages call. Collectors are registered with the
// default registry at init and exposed by the ops server on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sensorstream"

var (
	// Intake

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Broker deliveries received, by source broker",
		},
		[]string{"source"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Broker deliveries dropped before the pipeline, by reason",
		},
		[]string{"reason"}, // malformed_payload, missing_field, invalid_field, unrouted, intake_refused
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_queue_depth",
			Help:      "Readings waiting for a pipeline worker",
		},
	)

	BackpressureWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_backpressure_waits_total",
			Help:      "Times intake was held back, by cause",
		},
		[]string{"cause"}, // queue_full, slow_store, rate_limit
	)

	// Persistence

	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Latency of single persist attempts",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	PersistAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_attempts_total",
			Help:      "Persist attempts by outcome",
		},
		[]string{"outcome"}, // success, error
	)

	ReadingsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persisted_total",
			Help:      "Readings durably written to storage",
		},
	)

	IngestionDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_dropped_total",
			Help:      "Readings dropped after exhausting persist retries, by storage error kind",
		},
		[]string{"kind"},
	)

	// Forwarding

	ForwardResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_total",
			Help:      "Forward publications by outcome",
		},
		[]string{"outcome"}, // success, error, circuit_open
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Storage

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duckdb_query_duration_seconds",
			Help:      "Duration of DuckDB statements",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duckdb_query_errors_total",
			Help:      "DuckDB statement failures by storage error kind",
		},
		[]string{"operation", "kind"},
	)

	DBReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duckdb_reconnects_total",
			Help:      "Reconnect attempts by outcome",
		},
		[]string{"outcome"},
	)

	SummaryUpdateErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_summary_update_errors_total",
			Help:      "Failed daily summary upserts (the reading itself was persisted)",
		},
	)

	// Query engine

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query engine call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueryRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_rejected_total",
			Help:      "Query engine calls rejected, by kind and reason",
		},
		[]string{"kind", "reason"}, // bad_request, unavailable
	)

	// Broker connections

	BrokerConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the source broker connection is up",
		},
		[]string{"source"},
	)

	BrokerReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Broker reconnect attempts by source",
		},
		[]string{"source"},
	)

	// Dead letters

	DeadLetterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deadletter_entries",
			Help:      "Dropped readings currently held in the dead-letter store",
		},
	)

	DeadLetterReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadletter_replays_total",
			Help:      "Dead-letter replay attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordReceived counts one delivery from source.
func RecordReceived(source string) {
	MessagesReceived.WithLabelValues(source).Inc()
}

// RecordRejected counts one delivery dropped before the pipeline.
func RecordRejected(reason string) {
	MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordBackpressure counts one intake wait.
func RecordBackpressure(cause string) {
	BackpressureWaits.WithLabelValues(cause).Inc()
}

// RecordPersistAttempt records one persist attempt and its latency.
func RecordPersistAttempt(duration time.Duration, err error) {
	PersistDuration.Observe(duration.Seconds())
	if err != nil {
		PersistAttempts.WithLabelValues("error").Inc()
		return
	}
	PersistAttempts.WithLabelValues("success").Inc()
	ReadingsPersisted.Inc()
}

// RecordDropped counts one reading dropped after retries.
func RecordDropped(kind string) {
	IngestionDropped.WithLabelValues(kind).Inc()
}

// RecordForward counts one forward publication outcome.
func RecordForward(outcome string) {
	ForwardResults.WithLabelValues(outcome).Inc()
}

// RecordDBQuery records a DuckDB statement. kind is "" on success.
func RecordDBQuery(operation string, duration time.Duration, kind string) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if kind != "" {
		DBQueryErrors.WithLabelValues(operation, kind).Inc()
	}
}

// RecordDBReconnect counts one reconnect attempt.
func RecordDBReconnect(success bool) {
	if success {
		DBReconnects.WithLabelValues("success").Inc()
		return
	}
	DBReconnects.WithLabelValues("failure").Inc()
}

// RecordQuery records a query engine call. reason is "" on success.
func RecordQuery(kind string, duration time.Duration, reason string) {
	QueryDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if reason != "" {
		QueryRejected.WithLabelValues(kind, reason).Inc()
	}
}

// SetBrokerConnected flips the connection gauge for source.
func SetBrokerConnected(source string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	BrokerConnected.WithLabelValues(source).Set(v)
}

// RecordBrokerReconnect counts one reconnect attempt for source.
func RecordBrokerReconnect(source string) {
	BrokerReconnects.WithLabelValues(source).Inc()
}

// RecordDeadLetterReplay counts one replay outcome.
func RecordDeadLetterReplay(success bool) {
	if success {
		DeadLetterReplays.WithLabelValues("success").Inc()
		return
	}
	DeadLetterReplays.WithLabelValues("failure").Inc()
}
