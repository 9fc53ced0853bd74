// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/sensorstream/internal/logging"
)

// Validate checks the configuration and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateSources()...)
	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateNATS()...)
	errs = append(errs, c.validateDatabase()...)
	errs = append(errs, c.validatePipeline()...)
	errs = append(errs, c.validateForwarding()...)
	errs = append(errs, c.validateDeadLetter()...)
	errs = append(errs, c.validateQuery()...)
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateLogging()...)
	return errors.Join(errs...)
}

func (c *Config) validateSources() []error {
	if !c.MQTT.Enabled && !c.NATS.Enabled {
		return []error{errors.New("at least one source must be enabled (MQTT_ENABLED or NATS_ENABLED)")}
	}
	return nil
}

func (c *Config) validateMQTT() []error {
	if !c.MQTT.Enabled {
		return nil
	}
	var errs []error
	if c.MQTT.BrokerHost == "" {
		errs = append(errs, errors.New("MQTT_BROKER_HOST is required when MQTT is enabled"))
	}
	if c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535 {
		errs = append(errs, fmt.Errorf("MQTT_BROKER_PORT %d out of range", c.MQTT.BrokerPort))
	}
	if c.MQTT.ClientID == "" {
		errs = append(errs, errors.New("MQTT_CLIENT_ID is required"))
	}
	if len(c.MQTT.Topics) == 0 {
		errs = append(errs, errors.New("MQTT_TOPICS must list at least one topic pattern"))
	}
	for _, t := range c.MQTT.Topics {
		if err := validateMQTTPattern(t); err != nil {
			errs = append(errs, fmt.Errorf("MQTT_TOPICS %q: %w", t, err))
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.KeepAlive.Seconds() > 65535 {
		errs = append(errs, errors.New("MQTT_KEEP_ALIVE must fit in 65535 seconds"))
	}
	if c.MQTT.ReceiveMaximum < 0 || c.MQTT.ReceiveMaximum > 65535 {
		errs = append(errs, fmt.Errorf("MQTT_RECEIVE_MAXIMUM %d out of range", c.MQTT.ReceiveMaximum))
	}
	if c.MQTT.ReconnectInitial <= 0 || c.MQTT.ReconnectMax < c.MQTT.ReconnectInitial {
		errs = append(errs, errors.New("MQTT reconnect backoff requires 0 < initial <= max"))
	}
	return errs
}

// validateMQTTPattern enforces the MQTT wildcard rules: "+" occupies a whole
// level and "#" only appears as the final level.
func validateMQTTPattern(pattern string) error {
	if pattern == "" {
		return errors.New("empty topic pattern")
	}
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return errors.New("'#' must be the whole last level")
		}
		if strings.Contains(l, "+") && l != "+" {
			return errors.New("'+' must occupy a whole level")
		}
	}
	return nil
}

func (c *Config) validateNATS() []error {
	var errs []error
	if (c.NATS.Enabled || c.Forwarding.Enabled) && c.NATS.URL == "" && !c.NATS.EmbeddedServer {
		errs = append(errs, errors.New("NATS_URL is required when the NATS source or forwarding is enabled"))
	}
	if !c.NATS.Enabled {
		return errs
	}
	if c.NATS.StreamName == "" {
		errs = append(errs, errors.New("NATS_STREAM is required"))
	}
	if len(c.NATS.Subjects) == 0 {
		errs = append(errs, errors.New("NATS_SUBJECTS must list at least one subject"))
	}
	if c.NATS.SubscribersCount < 1 {
		errs = append(errs, errors.New("NATS_SUBSCRIBERS must be at least 1"))
	}
	if c.NATS.MaxAckPending < 1 {
		errs = append(errs, errors.New("NATS_MAX_ACK_PENDING must be at least 1"))
	}
	if c.NATS.AckWait <= 0 {
		errs = append(errs, errors.New("NATS_ACK_WAIT must be positive"))
	}
	return errs
}

func (c *Config) validateDatabase() []error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("DUCKDB_PATH is required"))
	}
	if c.Database.Threads < 0 {
		errs = append(errs, errors.New("DUCKDB_THREADS cannot be negative"))
	}
	if c.Database.OpTimeout <= 0 {
		errs = append(errs, errors.New("DB_OP_TIMEOUT must be positive"))
	}
	if c.Database.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("DB_RECONNECT_ATTEMPTS cannot be negative"))
	}
	return errs
}

func (c *Config) validatePipeline() []error {
	p := c.Pipeline
	var errs []error
	if p.Workers < 1 {
		errs = append(errs, errors.New("PIPELINE_WORKERS must be at least 1"))
	}
	if p.QueueSize < 1 {
		errs = append(errs, errors.New("PIPELINE_QUEUE_SIZE must be at least 1"))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("PIPELINE_MAX_ATTEMPTS must be at least 1"))
	}
	if p.PersistTimeout <= 0 {
		errs = append(errs, errors.New("PIPELINE_PERSIST_TIMEOUT must be positive"))
	}
	if p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff {
		errs = append(errs, errors.New("pipeline backoff requires 0 < initial <= max"))
	}
	if p.EnqueueTimeout <= 0 {
		errs = append(errs, errors.New("PIPELINE_ENQUEUE_TIMEOUT must be positive"))
	}
	if p.RateLimit < 0 {
		errs = append(errs, errors.New("PIPELINE_RATE_LIMIT cannot be negative"))
	}
	if p.RateLimit > 0 && p.RateBurst < 1 {
		errs = append(errs, errors.New("PIPELINE_RATE_BURST must be at least 1 when rate limiting"))
	}
	if p.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("PIPELINE_SHUTDOWN_TIMEOUT must be positive"))
	}
	return errs
}

func (c *Config) validateForwarding() []error {
	if !c.Forwarding.Enabled {
		return nil
	}
	var errs []error
	if c.Forwarding.Subject == "" {
		errs = append(errs, errors.New("FORWARD_SUBJECT is required when forwarding is enabled"))
	}
	if c.Forwarding.PublishTimeout <= 0 || c.Forwarding.CloseTimeout <= 0 {
		errs = append(errs, errors.New("forwarding timeouts must be positive"))
	}
	if c.Forwarding.BreakerMaxFailures == 0 {
		errs = append(errs, errors.New("FORWARD_BREAKER_MAX_FAILURES must be at least 1"))
	}
	return errs
}

func (c *Config) validateDeadLetter() []error {
	if !c.DeadLetter.Enabled {
		return nil
	}
	var errs []error
	if c.DeadLetter.Path == "" {
		errs = append(errs, errors.New("DEADLETTER_PATH is required when the dead-letter store is enabled"))
	}
	if c.DeadLetter.ReplayBatch < 1 {
		errs = append(errs, errors.New("DEADLETTER_REPLAY_BATCH must be at least 1"))
	}
	return errs
}

func (c *Config) validateQuery() []error {
	q := c.Query
	var errs []error
	if q.LatestDefaultLimit < 1 || q.LatestMaxLimit < q.LatestDefaultLimit {
		errs = append(errs, errors.New("latest query limits require 1 <= default <= max"))
	}
	if q.HistoricalDefaultLimit < 1 || q.HistoricalMaxLimit < q.HistoricalDefaultLimit {
		errs = append(errs, errors.New("historical query limits require 1 <= default <= max"))
	}
	if q.Timeout <= 0 {
		errs = append(errs, errors.New("QUERY_TIMEOUT must be positive"))
	}
	return errs
}

func (c *Config) validateServer() []error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return []error{fmt.Errorf("OPS_PORT %d out of range", c.Server.Port)}
	}
	return nil
}

func (c *Config) validateLogging() []error {
	var errs []error
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a valid level", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format))
	}
	return errs
}

// ToLogging converts the section into a logging.Config.
func (l LoggingConfig) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Caller = l.Caller
	return cfg
}
