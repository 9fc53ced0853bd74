// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package forward

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/models"
)

func testForwardingConfig() config.ForwardingConfig {
	return config.ForwardingConfig{
		Enabled:            true,
		Subject:            "sensor.readings.validated",
		PublishTimeout:     time.Second,
		CloseTimeout:       time.Second,
		BreakerMaxFailures: 2,
		BreakerTimeout:     time.Minute,
		BreakerInterval:    time.Minute,
	}
}

func testReading() *models.Reading {
	return &models.Reading{
		ID:         "6f1c9d1e-0000-4000-8000-000000000001",
		DeviceID:   "device-001",
		SensorType: "temperature",
		Value:      21.5,
		Unit:       "C",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Metadata:   models.EmptyMetadata,
	}
}

func TestPublisher_PublishesReading(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	cfg := testForwardingConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := pubsub.Subscribe(ctx, cfg.Subject)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	p := NewPublisher(pubsub, cfg)
	r := testReading()
	if err := p.Publish(ctx, r); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-msgs:
		msg.Ack()
		if msg.UUID != r.ID {
			t.Errorf("message uuid = %q, want reading id", msg.UUID)
		}
		if msg.Metadata.Get(natsgo.MsgIdHdr) != r.ID {
			t.Errorf("Nats-Msg-Id = %q, want reading id", msg.Metadata.Get(natsgo.MsgIdHdr))
		}
		var got models.Reading
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("payload is not a reading: %v", err)
		}
		if got.DeviceID != r.DeviceID || got.Value != r.Value || !got.Timestamp.Equal(r.Timestamp) {
			t.Errorf("payload = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message forwarded")
	}

	if err := p.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := p.Publish(ctx, r); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
}

// flakyPublisher fails every publish and counts calls.
type flakyPublisher struct {
	calls atomic.Int32
	block chan struct{}
}

func (f *flakyPublisher) Publish(string, ...*message.Message) error {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
		return nil
	}
	return errors.New("nats: no responders available for request")
}

func (f *flakyPublisher) Close() error { return nil }

func TestPublisher_BreakerOpens(t *testing.T) {
	fp := &flakyPublisher{}
	p := NewPublisher(fp, testForwardingConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := p.Publish(ctx, testReading())
		if err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("publish %d error = %v, want sink failure", i, err)
		}
	}
	if p.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", p.State())
	}

	err := p.Publish(ctx, testReading())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("publish with open breaker error = %v, want ErrCircuitOpen", err)
	}
	if fp.calls.Load() != 2 {
		t.Errorf("sink calls = %d, want 2", fp.calls.Load())
	}
}

func TestPublisher_Timeout(t *testing.T) {
	fp := &flakyPublisher{block: make(chan struct{})}
	defer close(fp.block)

	cfg := testForwardingConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	p := NewPublisher(fp, cfg)

	if err := p.Publish(context.Background(), testReading()); !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("Publish() error = %v, want ErrPublishTimeout", err)
	}
}

func TestPublisher_CloseWaitsForInflight(t *testing.T) {
	fp := &flakyPublisher{block: make(chan struct{})}
	cfg := testForwardingConfig()
	cfg.PublishTimeout = 5 * time.Second
	p := NewPublisher(fp, cfg)

	published := make(chan error, 1)
	go func() {
		published <- p.Publish(context.Background(), testReading())
	}()
	for fp.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() with stuck publish error = %v, want deadline exceeded", err)
	}

	close(fp.block)
	if err := <-published; err != nil {
		t.Errorf("in-flight Publish() error = %v", err)
	}
}

func TestNoop(t *testing.T) {
	var f Forwarder = Noop{}
	if err := f.Publish(context.Background(), testReading()); err != nil {
		t.Errorf("Noop.Publish() error = %v", err)
	}
	if err := f.Close(context.Background()); err != nil {
		t.Errorf("Noop.Close() error = %v", err)
	}
}
