// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
	"github.com/tomtom215/sensorstream/internal/models"
)

// Publisher is a Watermill publisher that forwards readings. Closing it is
// owned by the forwarder.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]
	subject   string
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewNATSPublisher connects a JetStream publisher to url. The target stream
// must already exist.
func NewNATSPublisher(cfg config.ForwardingConfig, nc config.NATSConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewSlogLogger(logging.NewSlogLogger())
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("sensorstream-forwarder"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.Timeout(nc.ConnectTimeout),
		natsgo.MaxReconnects(nc.MaxReconnects),
		natsgo.ReconnectWait(nc.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Forwarder disconnected from NATS", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			logger.Info("Forwarder reconnected to NATS", watermill.LogFields{
				"url": c.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         nc.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.AckWait(cfg.PublishTimeout),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return NewPublisher(pub, cfg), nil
}

// NewPublisher wraps an existing Watermill publisher with the circuit
// breaker and timeout from cfg.
func NewPublisher(pub message.Publisher, cfg config.ForwardingConfig) *Publisher {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		publisher: pub,
		breaker:   newBreaker(cfg),
		subject:   cfg.Subject,
		timeout:   timeout,
	}
}

func newBreaker(cfg config.ForwardingConfig) *gobreaker.CircuitBreaker[struct{}] {
	threshold := cfg.BreakerMaxFailures
	if threshold == 0 {
		threshold = 5
	}
	const name = "forward"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Forwarding circuit breaker state changed")
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
}

// Publish serializes r and publishes it with the reading id as the
// JetStream message id, so a redelivered reading is deduplicated downstream.
func (p *Publisher) Publish(ctx context.Context, r *models.Reading) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	defer p.wg.Done()

	payload, err := json.Marshal(r)
	if err != nil {
		metrics.RecordForward("failed")
		return fmt.Errorf("serialize reading %s: %w", r.ID, err)
	}

	msg := message.NewMessage(r.ID, payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, r.ID)
	msg.Metadata.Set("device_id", r.DeviceID)
	msg.Metadata.Set("sensor_type", r.SensorType)
	if id := logging.DeliveryIDFromContext(ctx); id != "" {
		msg.Metadata.Set("delivery_id", id)
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.publishWithTimeout(ctx, msg)
	})
	switch {
	case err == nil:
		metrics.RecordForward("forwarded")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordForward("rejected")
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	default:
		metrics.RecordForward("failed")
		return fmt.Errorf("forward reading %s: %w", r.ID, err)
	}
}

// publishWithTimeout bounds a publish that does not take a context.
func (p *Publisher) publishWithTimeout(ctx context.Context, msg *message.Message) error {
	done := make(chan error, 1)
	go func() {
		done <- p.publisher.Publish(p.subject, msg)
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the circuit breaker state.
func (p *Publisher) State() gobreaker.State {
	return p.breaker.State()
}

// Close stops accepting publishes, waits for in-flight ones until ctx
// expires and closes the underlying publisher.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("drain forwarder: %w", ctx.Err())
		logging.Warn().Msg("Forwarder closed with publishes still in flight")
	}

	if err := p.publisher.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("close publisher: %w", err))
	}
	return drainErr
}
