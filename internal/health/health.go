// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package health aggregates component health checks for the readiness
// endpoint.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the overall health status.
type Status string

const (
	// StatusHealthy means every component is functioning normally.
	StatusHealthy Status = "healthy"
	// StatusDegraded means some component is impaired but ingestion continues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means a critical component is failing.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the result of one component check.
type ComponentHealth struct {
	Name      string         `json:"name"`
	Healthy   bool           `json:"healthy"`
	Degraded  bool           `json:"degraded,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	LastCheck time.Time      `json:"last_check"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checkable is implemented by components that report their own health.
type Checkable interface {
	HealthCheck(ctx context.Context) ComponentHealth
}

// CheckFunc adapts a function to Checkable.
type CheckFunc func(ctx context.Context) ComponentHealth

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) ComponentHealth {
	return f(ctx)
}

// ErrorCheck builds a Checkable from a probe that returns an error when the
// component is down, such as a database ping.
func ErrorCheck(probe func(ctx context.Context) error) Checkable {
	return CheckFunc(func(ctx context.Context) ComponentHealth {
		if err := probe(ctx); err != nil {
			return ComponentHealth{Healthy: false, Error: err.Error()}
		}
		return ComponentHealth{Healthy: true}
	})
}

// Overall is the aggregated result of every registered check.
type Overall struct {
	Healthy    bool              `json:"healthy"`
	Status     Status            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs registered component checks concurrently, each bounded by
// timeout.
type Checker struct {
	timeout time.Duration

	mu         sync.RWMutex
	components map[string]Checkable
}

// NewChecker creates a checker. timeout <= 0 uses 5s.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		timeout:    timeout,
		components: make(map[string]Checkable),
	}
}

// Register adds or replaces a component check.
func (c *Checker) Register(name string, component Checkable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component
}

// CheckAll runs every check. Components are returned sorted by name.
func (c *Checker) CheckAll(ctx context.Context) Overall {
	c.mu.RLock()
	components := make(map[string]Checkable, len(c.components))
	for name, comp := range c.components {
		components[name] = comp
	}
	c.mu.RUnlock()

	overall := Overall{
		Healthy:    true,
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make([]ComponentHealth, 0, len(components)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, comp := range components {
		wg.Add(1)
		go func(name string, comp Checkable) {
			defer wg.Done()
			result := c.check(ctx, name, comp)

			mu.Lock()
			defer mu.Unlock()
			overall.Components = append(overall.Components, result)
			if !result.Healthy {
				overall.Healthy = false
				overall.Status = StatusUnhealthy
			} else if result.Degraded && overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}(name, comp)
	}
	wg.Wait()

	sort.Slice(overall.Components, func(i, j int) bool {
		return overall.Components[i].Name < overall.Components[j].Name
	})
	return overall
}

func (c *Checker) check(ctx context.Context, name string, comp Checkable) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resultCh := make(chan ComponentHealth, 1)
	go func() {
		resultCh <- comp.HealthCheck(checkCtx)
	}()

	var result ComponentHealth
	select {
	case result = <-resultCh:
	case <-checkCtx.Done():
		result = ComponentHealth{Healthy: false, Error: "health check timeout"}
	}
	result.Name = name
	result.LastCheck = time.Now().UTC()
	return result
}
