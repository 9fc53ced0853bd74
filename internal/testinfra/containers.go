// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultNATSImage is the official NATS server image.
	DefaultNATSImage = "nats:2.12-alpine"
	// DefaultMosquittoImage is the Eclipse Mosquitto broker image.
	DefaultMosquittoImage = "eclipse-mosquitto:2.0"

	natsClientPort = "4222/tcp"
	mqttPort       = "1883/tcp"
)

// SkipIfNoDocker skips the test if Docker is not available.
// This allows tests to run gracefully in environments without Docker.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()

	if !IsDockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}
}

// IsDockerAvailable checks if Docker daemon is running and accessible.
func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "info")
	return cmd.Run() == nil
}

// CleanupContainer is a helper for deferred container cleanup that logs errors.
func CleanupContainer(t *testing.T, ctx context.Context, container testcontainers.Container) {
	t.Helper()

	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
}

// Option configures a broker container.
type Option func(*containerConfig)

type containerConfig struct {
	image        string
	startTimeout time.Duration
}

// WithImage overrides the container image.
func WithImage(image string) Option {
	return func(c *containerConfig) {
		c.image = image
	}
}

// WithStartTimeout sets the maximum time to wait for the broker.
func WithStartTimeout(timeout time.Duration) Option {
	return func(c *containerConfig) {
		c.startTimeout = timeout
	}
}

// NATSContainer is a running nats-server with JetStream.
type NATSContainer struct {
	testcontainers.Container
	// URL is the nats:// client URL reachable from the test process.
	URL string
}

// NewNATSContainer starts nats-server with JetStream enabled.
func NewNATSContainer(ctx context.Context, opts ...Option) (*NATSContainer, error) {
	cfg := apply(DefaultNATSImage, opts)

	req := testcontainers.ContainerRequest{
		Image:        cfg.image,
		ExposedPorts: []string{natsClientPort},
		Cmd:          []string{"-js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(natsClientPort),
			wait.ForLog("Server is ready"),
		).WithStartupTimeout(cfg.startTimeout),
	}

	container, host, port, err := start(ctx, req, natsClientPort)
	if err != nil {
		return nil, fmt.Errorf("start nats container: %w", err)
	}
	return &NATSContainer{Container: container, URL: fmt.Sprintf("nats://%s:%s", host, port.Port())}, nil
}

// MosquittoContainer is a running Mosquitto broker accepting anonymous
// clients.
type MosquittoContainer struct {
	testcontainers.Container
	Host string
	Port int
}

// NewMosquittoContainer starts Mosquitto with its bundled no-auth config.
func NewMosquittoContainer(ctx context.Context, opts ...Option) (*MosquittoContainer, error) {
	cfg := apply(DefaultMosquittoImage, opts)

	req := testcontainers.ContainerRequest{
		Image:        cfg.image,
		ExposedPorts: []string{mqttPort},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort(mqttPort).WithStartupTimeout(cfg.startTimeout),
	}

	container, host, port, err := start(ctx, req, mqttPort)
	if err != nil {
		return nil, fmt.Errorf("start mosquitto container: %w", err)
	}
	return &MosquittoContainer{Container: container, Host: host, Port: port.Int()}, nil
}

func apply(image string, opts []Option) *containerConfig {
	cfg := &containerConfig{image: image, startTimeout: 60 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// start runs req and returns the host and mapped port clients dial.
func start(ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) (testcontainers.Container, string, nat.Port, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, "", "", fmt.Errorf("get container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, "", "", fmt.Errorf("get mapped port: %w", err)
	}
	return container, host, mapped, nil
}
