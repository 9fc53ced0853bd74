// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package main

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/health"
	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/ops"
	"github.com/tomtom215/sensorstream/internal/query"
	"github.com/tomtom215/sensorstream/internal/supervisor"
	"github.com/tomtom215/sensorstream/internal/supervisor/services"
)

// closeTimeout bounds the resource teardown after the tree has stopped.
const closeTimeout = 15 * time.Second

// App is the fully wired process.
type App struct {
	cfg *config.Config

	Storage  *StorageComponents
	Brokers  *BrokerComponents
	Pipeline *ingest.Pipeline
	Query    *query.Engine
	Health   *health.Checker

	tree *supervisor.Tree
}

// NewApp opens storage, starts the embedded brokers, builds the pipeline and
// sources and assembles the supervisor tree. Nothing ingests until Run.
func NewApp(ctx context.Context, cfg *config.Config) (app *App, err error) {
	storage, err := InitStorage(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, Storage: storage}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Brokers, err = StartBrokers(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.Pipeline = ingest.New(cfg.Pipeline, storage.DB,
		ingest.WithForwarder(a.Brokers.Forwarder),
		ingest.WithDropReporter(storage.DropReporter()),
	)

	if err := a.Brokers.InitSources(cfg, a.Pipeline); err != nil {
		return nil, err
	}

	a.Query = query.NewEngine(storage.DB, cfg.Query)

	a.Health = health.NewChecker(0)
	registerHealthChecks(a.Health, storage, a.Brokers, a.Pipeline, cfg.Pipeline.QueueSize)

	a.tree = supervisor.NewTree(logging.NewSlogLogger(), treeConfig(cfg))
	a.addServices()
	return a, nil
}

func treeConfig(cfg *config.Config) supervisor.TreeConfig {
	tc := supervisor.DefaultTreeConfig()
	// The pipeline drain must fit inside the tree's per-service stop budget.
	if drain := cfg.Pipeline.ShutdownTimeout + 5*time.Second; drain > tc.ShutdownTimeout {
		tc.ShutdownTimeout = drain
	}
	return tc
}

func (a *App) addServices() {
	cfg := a.cfg

	a.tree.AddStorageService(services.NewLifecycleService("ingestion-pipeline", a.Pipeline, cfg.Pipeline.ShutdownTimeout))
	if a.Storage.Replayer != nil {
		a.tree.AddStorageService(services.NewLifecycleService("deadletter-replayer", a.Storage.Replayer, 0))
	}

	if b := a.Brokers.EmbeddedNATS; b != nil {
		a.tree.AddIngestService(services.NewShutdownService("embedded-nats", b, 0))
	}
	if b := a.Brokers.EmbeddedMQTT; b != nil {
		a.tree.AddIngestService(services.NewShutdownService("embedded-mqtt", b, 0))
	}
	if src := a.Brokers.MQTTSource; src != nil {
		a.tree.AddIngestService(services.NewSourceService("mqtt-source", src))
	}
	if src := a.Brokers.NATSSource; src != nil {
		a.tree.AddIngestService(services.NewSourceService("nats-source", src))
	}

	if cfg.Server.Enabled {
		var opts []ops.Option
		if a.Storage.DeadLetters != nil {
			opts = append(opts, ops.WithDeadLetters(a.Storage.DeadLetters, a.Storage.Replayer))
		}
		srv := ops.NewServer(cfg.Server, ops.NewHandler(a.Health, opts...))
		a.tree.AddOpsService(services.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))
		logging.Info().Str("addr", srv.Addr).Msg("Ops HTTP server configured")
	}
}

// Run serves the supervisor tree until ctx is canceled and reports services
// that did not stop in time.
func (a *App) Run(ctx context.Context) error {
	logging.Info().Msg("Starting supervisor tree")
	err := a.tree.Serve(ctx)

	if unstopped, reportErr := a.tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases everything NewApp acquired: the broker side first so
// nothing new arrives, then the stores.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	a.Brokers.Close(ctx)
	if err := a.Storage.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing storage")
	}
}
