// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package services

import (
	"context"
	"fmt"
)

// Source is a broker consumer that blocks until ctx is done or it fails.
//
// Satisfied by *broker.MQTTSource and *broker.NATSSource.
type Source interface {
	Run(ctx context.Context) error
}

// SourceService runs a Source under suture. An early return while ctx is
// still live counts as a failure and triggers a restart.
type SourceService struct {
	source Source
	name   string
}

// NewSourceService wraps source.
func NewSourceService(name string, source Source) *SourceService {
	return &SourceService{source: source, name: name}
}

// Serve implements suture.Service.
func (s *SourceService) Serve(ctx context.Context) error {
	err := s.source.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return fmt.Errorf("%s stopped unexpectedly", s.name)
	}
	return fmt.Errorf("%s failed: %w", s.name, err)
}

// String implements fmt.Stringer.
func (s *SourceService) String() string {
	return s.name
}
