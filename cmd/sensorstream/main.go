// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/logging"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging.ToLogging())
	logging.Info().
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Bool("forwarding", cfg.Forwarding.Enabled).
		Bool("deadletter", cfg.DeadLetter.Enabled).
		Str("db_path", cfg.Database.Path).
		Msg("Starting SensorStream")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to initialize")
		os.Exit(1)
	}

	runErr := app.Run(ctx)
	app.Close()

	if runErr != nil {
		logging.Error().Err(runErr).Msg("Supervisor tree error")
		os.Exit(1)
	}
	logging.Info().Msg("SensorStream stopped gracefully")
}
