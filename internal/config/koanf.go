// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sensorstream/config.yaml",
}

// ConfigPathEnvVar names an explicit config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from defaults, the optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process list fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are list settings that arrive from the environment as
// comma separated strings.
var sliceConfigPaths = []string{
	"mqtt.topics",
	"nats.subjects",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var items []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		if len(items) == 0 {
			continue
		}
		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to config keys.
// Unlisted variables are ignored so the process environment cannot leak
// into the configuration.
var envMappings = map[string]string{
	"mqtt_enabled":           "mqtt.enabled",
	"mqtt_broker_host":       "mqtt.broker_host",
	"mqtt_broker_port":       "mqtt.broker_port",
	"mqtt_client_id":         "mqtt.client_id",
	"mqtt_username":          "mqtt.username",
	"mqtt_password":          "mqtt.password",
	"mqtt_topics":            "mqtt.topics",
	"mqtt_qos":               "mqtt.qos",
	"mqtt_keep_alive":        "mqtt.keep_alive",
	"mqtt_connect_timeout":   "mqtt.connect_timeout",
	"mqtt_reconnect_initial": "mqtt.reconnect_initial",
	"mqtt_reconnect_max":     "mqtt.reconnect_max",
	"mqtt_receive_maximum":   "mqtt.receive_maximum",
	"mqtt_embedded":          "mqtt.embedded_broker",
	"mqtt_embedded_addr":     "mqtt.embedded_addr",

	"nats_enabled":         "nats.enabled",
	"nats_url":             "nats.url",
	"nats_embedded":        "nats.embedded_server",
	"nats_store_dir":       "nats.store_dir",
	"nats_max_memory":      "nats.max_memory",
	"nats_max_store":       "nats.max_store",
	"nats_stream":          "nats.stream_name",
	"nats_subjects":        "nats.subjects",
	"nats_durable_name":    "nats.durable_name",
	"nats_queue_group":     "nats.queue_group",
	"nats_subscribers":     "nats.subscribers_count",
	"nats_max_ack_pending": "nats.max_ack_pending",
	"nats_ack_wait":        "nats.ack_wait",
	"nats_connect_timeout": "nats.connect_timeout",
	"nats_reconnect_wait":  "nats.reconnect_wait",
	"nats_max_reconnects":  "nats.max_reconnects",

	"duckdb_path":           "database.path",
	"duckdb_max_memory":     "database.max_memory",
	"duckdb_threads":        "database.threads",
	"db_op_timeout":         "database.op_timeout",
	"db_schema_timeout":     "database.schema_timeout",
	"db_reconnect_attempts": "database.reconnect_attempts",
	"db_reconnect_delay":    "database.reconnect_initial_delay",
	"db_daily_summary":      "database.daily_summary",

	"pipeline_workers":              "pipeline.workers",
	"pipeline_queue_size":           "pipeline.queue_size",
	"pipeline_enqueue_timeout":      "pipeline.enqueue_timeout",
	"pipeline_persist_timeout":      "pipeline.persist_timeout",
	"pipeline_max_attempts":         "pipeline.max_attempts",
	"pipeline_initial_backoff":      "pipeline.initial_backoff",
	"pipeline_max_backoff":          "pipeline.max_backoff",
	"pipeline_max_elapsed":          "pipeline.max_elapsed",
	"pipeline_slow_write_threshold": "pipeline.slow_write_threshold",
	"pipeline_backpressure_pause":   "pipeline.backpressure_pause",
	"pipeline_rate_limit":           "pipeline.rate_limit",
	"pipeline_rate_burst":           "pipeline.rate_burst",
	"pipeline_shutdown_timeout":     "pipeline.shutdown_timeout",

	"forward_enabled":              "forwarding.enabled",
	"forward_subject":              "forwarding.subject",
	"forward_stream":               "forwarding.stream_name",
	"forward_publish_timeout":      "forwarding.publish_timeout",
	"forward_close_timeout":        "forwarding.close_timeout",
	"forward_breaker_max_failures": "forwarding.breaker_max_failures",
	"forward_breaker_timeout":      "forwarding.breaker_timeout",
	"forward_breaker_interval":     "forwarding.breaker_interval",

	"deadletter_enabled":         "deadletter.enabled",
	"deadletter_path":            "deadletter.path",
	"deadletter_sync_writes":     "deadletter.sync_writes",
	"deadletter_entry_ttl":       "deadletter.entry_ttl",
	"deadletter_replay_interval": "deadletter.replay_interval",
	"deadletter_replay_batch":    "deadletter.replay_batch",

	"query_timeout":                  "query.timeout",
	"query_latest_default_limit":     "query.latest_default_limit",
	"query_latest_max_limit":         "query.latest_max_limit",
	"query_historical_default_limit": "query.historical_default_limit",
	"query_historical_max_limit":     "query.historical_max_limit",

	"ops_enabled":           "server.enabled",
	"ops_host":              "server.host",
	"ops_port":              "server.port",
	"ops_read_timeout":      "server.read_timeout",
	"ops_write_timeout":     "server.write_timeout",
	"ops_shutdown_timeout":  "server.shutdown_timeout",
	"ops_rate_limit_reqs":   "server.rate_limit_reqs",
	"ops_rate_limit_window": "server.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
