// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func healthy() Checkable {
	return CheckFunc(func(context.Context) ComponentHealth { return ComponentHealth{Healthy: true} })
}

func degraded() Checkable {
	return CheckFunc(func(context.Context) ComponentHealth {
		return ComponentHealth{Healthy: true, Degraded: true, Message: "breaker open"}
	})
}

func TestChecker_CheckAll(t *testing.T) {
	tests := []struct {
		name        string
		components  map[string]Checkable
		wantStatus  Status
		wantHealthy bool
	}{
		{"no components", nil, StatusHealthy, true},
		{"all healthy", map[string]Checkable{"db": healthy(), "mqtt": healthy()}, StatusHealthy, true},
		{"one degraded", map[string]Checkable{"db": healthy(), "forwarder": degraded()}, StatusDegraded, true},
		{
			"one down",
			map[string]Checkable{
				"db":        ErrorCheck(func(context.Context) error { return errors.New("connection lost") }),
				"forwarder": degraded(),
			},
			StatusUnhealthy, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second)
			for name, comp := range tt.components {
				c.Register(name, comp)
			}
			got := c.CheckAll(context.Background())
			if got.Status != tt.wantStatus || got.Healthy != tt.wantHealthy {
				t.Errorf("CheckAll = %s/%v, want %s/%v", got.Status, got.Healthy, tt.wantStatus, tt.wantHealthy)
			}
			if len(got.Components) != len(tt.components) {
				t.Errorf("components = %d, want %d", len(got.Components), len(tt.components))
			}
		})
	}
}

func TestChecker_SortedAndNamed(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("mqtt", healthy())
	c.Register("database", healthy())
	c.Register("pipeline", healthy())

	got := c.CheckAll(context.Background())
	want := []string{"database", "mqtt", "pipeline"}
	for i, comp := range got.Components {
		if comp.Name != want[i] {
			t.Errorf("component %d = %q, want %q", i, comp.Name, want[i])
		}
		if comp.LastCheck.IsZero() {
			t.Errorf("%s LastCheck not set", comp.Name)
		}
	}
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	c.Register("stuck", CheckFunc(func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ComponentHealth{Healthy: true}
	}))

	got := c.CheckAll(context.Background())
	if got.Healthy {
		t.Fatal("stuck component reported healthy")
	}
	if got.Components[0].Error != "health check timeout" {
		t.Errorf("Error = %q", got.Components[0].Error)
	}
}

func TestErrorCheck(t *testing.T) {
	ok := ErrorCheck(func(context.Context) error { return nil }).HealthCheck(context.Background())
	if !ok.Healthy {
		t.Error("nil probe error reported unhealthy")
	}
	bad := ErrorCheck(func(context.Context) error { return errors.New("down") }).HealthCheck(context.Background())
	if bad.Healthy || bad.Error != "down" {
		t.Errorf("failing probe = %+v", bad)
	}
}
