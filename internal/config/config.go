// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package config loads SensorStream configuration with Koanf.
//
// Sources are layered, later ones overriding earlier ones:
//
//  1. Built-in defaults (defaultConfig)
//  2. An optional YAML file (CONFIG_PATH, or config.yaml in the working directory)
//  3. Environment variables (MQTT_BROKER_HOST, PIPELINE_WORKERS, ...)
//
// Durations accept Go duration strings ("250ms", "30s"). List values such as
// MQTT_TOPICS accept comma separated strings.
package config

import (
	"time"
)

// Config is the complete process configuration.
type Config struct {
	MQTT       MQTTConfig       `koanf:"mqtt"`
	NATS       NATSConfig       `koanf:"nats"`
	Database   DatabaseConfig   `koanf:"database"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Forwarding ForwardingConfig `koanf:"forwarding"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Query      QueryConfig      `koanf:"query"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// MQTTConfig configures the MQTT subscription source.
type MQTTConfig struct {
	Enabled    bool     `koanf:"enabled"`
	BrokerHost string   `koanf:"broker_host"`
	BrokerPort int      `koanf:"broker_port"`
	ClientID   string   `koanf:"client_id"`
	Username   string   `koanf:"username"`
	Password   string   `koanf:"password"`
	Topics     []string `koanf:"topics"`
	QoS        int      `koanf:"qos"`

	// KeepAlive is sent to the broker in whole seconds.
	KeepAlive      time.Duration `koanf:"keep_alive"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// ReconnectInitial and ReconnectMax bound the exponential reconnect backoff.
	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`

	// ReceiveMaximum caps unacknowledged QoS>0 deliveries the broker may have
	// in flight to us. 0 uses the pipeline queue size.
	ReceiveMaximum int `koanf:"receive_maximum"`

	// EmbeddedBroker starts an in-process MQTT broker on EmbeddedAddr.
	EmbeddedBroker bool   `koanf:"embedded_broker"`
	EmbeddedAddr   string `koanf:"embedded_addr"`
}

// NATSConfig configures the JetStream connection used by the NATS source and
// the forwarding sink.
type NATSConfig struct {
	// Enabled turns on the JetStream subscription source.
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	// StreamName is the JetStream stream that captures Subjects.
	StreamName string   `koanf:"stream_name"`
	Subjects   []string `koanf:"subjects"`

	DurableName      string        `koanf:"durable_name"`
	QueueGroup       string        `koanf:"queue_group"`
	// SubscribersCount is the number of concurrent JetStream subscribers per
	// subject. Each one holds its message until the pipeline settles it, so
	// this, not MaxAckPending, caps NATS messages in flight. Zero follows
	// Pipeline.Workers.
	SubscribersCount int           `koanf:"subscribers_count"`
	MaxAckPending    int           `koanf:"max_ack_pending"`
	AckWait          time.Duration `koanf:"ack_wait"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`
	MaxReconnects    int           `koanf:"max_reconnects"`
}

// DatabaseConfig configures the DuckDB storage adapter.
type DatabaseConfig struct {
	// Path is the DuckDB file; ":memory:" keeps everything in RAM.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`

	// OpTimeout bounds each insert and query.
	OpTimeout     time.Duration `koanf:"op_timeout"`
	SchemaTimeout time.Duration `koanf:"schema_timeout"`

	ReconnectAttempts     int           `koanf:"reconnect_attempts"`
	ReconnectInitialDelay time.Duration `koanf:"reconnect_initial_delay"`

	// DailySummary maintains the per-day aggregate table on insert.
	DailySummary bool `koanf:"daily_summary"`
}

// PipelineConfig configures the ingestion worker pool and retry policy.
type PipelineConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`

	// EnqueueTimeout bounds how long a broker receive task may block on a full queue.
	EnqueueTimeout time.Duration `koanf:"enqueue_timeout"`

	PersistTimeout time.Duration `koanf:"persist_timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	MaxElapsed     time.Duration `koanf:"max_elapsed"`

	// SlowWriteThreshold marks the store as saturated; intake pauses for
	// BackpressurePause while the last persist latency stays above it.
	SlowWriteThreshold time.Duration `koanf:"slow_write_threshold"`
	BackpressurePause  time.Duration `koanf:"backpressure_pause"`

	// RateLimit is readings per second accepted at intake (0 = unlimited).
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ForwardingConfig configures the best-effort downstream publisher.
type ForwardingConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Subject        string        `koanf:"subject"`
	StreamName     string        `koanf:"stream_name"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`

	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
	BreakerInterval    time.Duration `koanf:"breaker_interval"`
}

// DeadLetterConfig configures the BadgerDB store for dropped readings.
type DeadLetterConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Path           string        `koanf:"path"`
	SyncWrites     bool          `koanf:"sync_writes"`
	EntryTTL       time.Duration `koanf:"entry_ttl"`
	ReplayInterval time.Duration `koanf:"replay_interval"`
	ReplayBatch    int           `koanf:"replay_batch"`
}

// QueryConfig configures query engine limits.
type QueryConfig struct {
	Timeout                time.Duration `koanf:"timeout"`
	LatestDefaultLimit     int           `koanf:"latest_default_limit"`
	LatestMaxLimit         int           `koanf:"latest_max_limit"`
	HistoricalDefaultLimit int           `koanf:"historical_default_limit"`
	HistoricalMaxLimit     int           `koanf:"historical_max_limit"`
}

// ServerConfig configures the ops HTTP server (health and metrics).
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Enabled:          true,
			BrokerHost:       "localhost",
			BrokerPort:       1883,
			ClientID:         "data_ingestion_service",
			Topics:           []string{"sensors/+/data"},
			QoS:              1,
			KeepAlive:        30 * time.Second,
			ConnectTimeout:   10 * time.Second,
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
			EmbeddedBroker:   false,
			EmbeddedAddr:     ":1883",
		},
		NATS: NATSConfig{
			Enabled:          false,
			URL:              "nats://127.0.0.1:4222",
			EmbeddedServer:   false,
			StoreDir:         "/data/nats/jetstream",
			MaxMemory:        256 << 20,
			MaxStore:         4 << 30,
			StreamName:       "SENSORS",
			Subjects:         []string{"sensors.*.data"},
			DurableName:      "sensorstream",
			QueueGroup:       "ingest",
			SubscribersCount: 0,
			MaxAckPending:    1024,
			AckWait:          30 * time.Second,
			ConnectTimeout:   10 * time.Second,
			ReconnectWait:    2 * time.Second,
			MaxReconnects:    -1,
		},
		Database: DatabaseConfig{
			Path:                  "/data/sensorstream.duckdb",
			MaxMemory:             "1GB",
			Threads:               0,
			OpTimeout:             10 * time.Second,
			SchemaTimeout:         60 * time.Second,
			ReconnectAttempts:     5,
			ReconnectInitialDelay: 200 * time.Millisecond,
			DailySummary:          true,
		},
		Pipeline: PipelineConfig{
			Workers:            4,
			QueueSize:          1024,
			EnqueueTimeout:     30 * time.Second,
			PersistTimeout:     5 * time.Second,
			MaxAttempts:        5,
			InitialBackoff:     100 * time.Millisecond,
			MaxBackoff:         5 * time.Second,
			MaxElapsed:         30 * time.Second,
			SlowWriteThreshold: 500 * time.Millisecond,
			BackpressurePause:  100 * time.Millisecond,
			RateLimit:          0,
			RateBurst:          100,
			ShutdownTimeout:    30 * time.Second,
		},
		Forwarding: ForwardingConfig{
			Enabled:            false,
			Subject:            "sensor.readings.validated",
			StreamName:         "READINGS",
			PublishTimeout:     2 * time.Second,
			CloseTimeout:       10 * time.Second,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
			BreakerInterval:    60 * time.Second,
		},
		DeadLetter: DeadLetterConfig{
			Enabled:        true,
			Path:           "/data/deadletter",
			SyncWrites:     true,
			EntryTTL:       7 * 24 * time.Hour,
			ReplayInterval: 5 * time.Minute,
			ReplayBatch:    100,
		},
		Query: QueryConfig{
			Timeout:                10 * time.Second,
			LatestDefaultLimit:     100,
			LatestMaxLimit:         1000,
			HistoricalDefaultLimit: 1000,
			HistoricalMaxLimit:     10000,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Default returns the built-in configuration without consulting files or
// the environment. Tests and embedded uses start from here.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyDerived()
	return cfg
}

// applyDerived fills settings whose default depends on another section.
func (c *Config) applyDerived() {
	if c.NATS.SubscribersCount == 0 {
		c.NATS.SubscribersCount = c.Pipeline.Workers
	}
}
