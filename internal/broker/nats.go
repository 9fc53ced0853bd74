// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
)

// MetadataSubject carries the concrete NATS subject of a delivered message.
const MetadataSubject = "nats_subject"

// Dispatcher routes deliveries. Satisfied by *router.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, d ingest.Delivery) error
	Topics() []string
}

// subjectUnmarshaler builds Watermill messages from plain NATS messages.
// Devices publish raw JSON without Watermill headers, so the message id
// falls back to Nats-Msg-Id and then a fresh UUID.
type subjectUnmarshaler struct{}

func (subjectUnmarshaler) Unmarshal(m *natsgo.Msg) (*message.Message, error) {
	id := ""
	md := make(message.Metadata)
	for k, v := range m.Header {
		if len(v) == 0 {
			continue
		}
		switch k {
		case "_watermill_message_uuid":
			id = v[0]
		case natsgo.MsgIdHdr:
			if id == "" {
				id = v[0]
			}
		default:
			md.Set(k, v[0])
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	msg := message.NewMessage(id, m.Data)
	msg.Metadata = md
	msg.Metadata.Set(MetadataSubject, m.Subject)
	return msg, nil
}

// NATSSource consumes a JetStream durable consumer and hands each message
// to a Dispatcher. The message is acked or nacked when the pipeline settles
// it. Each Watermill subscriber goroutine waits for that settlement, so
// SubscribersCount sets the messages in flight per subject and MaxAckPending
// is the broker-side ceiling above it.
type NATSSource struct {
	subscriber message.Subscriber
	dispatcher Dispatcher
	subscribed atomic.Bool
}

// NewNATSSource connects a durable JetStream subscriber bound to
// cfg.StreamName.
func NewNATSSource(cfg config.NATSConfig, d Dispatcher, logger watermill.LoggerAdapter) (*NATSSource, error) {
	if logger == nil {
		logger = watermill.NewSlogLogger(logging.NewSlogLogger())
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("sensorstream-source"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ConnectHandler(func(_ *natsgo.Conn) {
			metrics.SetBrokerConnected(ingest.SourceNATS, true)
		}),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			metrics.SetBrokerConnected(ingest.SourceNATS, false)
			if err != nil {
				logger.Error("Source disconnected from NATS", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			metrics.SetBrokerConnected(ingest.SourceNATS, true)
			metrics.RecordBrokerReconnect(ingest.SourceNATS)
			logger.Info("Source reconnected to NATS", watermill.LogFields{
				"url": c.ConnectedUrl(),
			})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverAll(),
	}
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.ConnectTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      subjectUnmarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}
	return NewSource(sub, d), nil
}

// NewSource wraps an existing Watermill subscriber.
func NewSource(sub message.Subscriber, d Dispatcher) *NATSSource {
	return &NATSSource{subscriber: sub, dispatcher: d}
}

// Run subscribes to every dispatcher topic and dispatches until ctx is done
// or every subscription channel closes.
func (s *NATSSource) Run(ctx context.Context) error {
	topics := s.dispatcher.Topics()
	if len(topics) == 0 {
		return errors.New("no NATS subjects configured")
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		messages, err := s.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		wg.Add(1)
		go func(topic string, messages <-chan *message.Message) {
			defer wg.Done()
			s.consume(ctx, topic, messages)
		}(topic, messages)
	}
	s.subscribed.Store(true)
	metrics.SetBrokerConnected(ingest.SourceNATS, true)
	logging.Info().Strs("subjects", topics).Msg("NATS source subscribed")

	wg.Wait()
	s.subscribed.Store(false)
	metrics.SetBrokerConnected(ingest.SourceNATS, false)
	return ctx.Err()
}

// Subscribed reports whether Run holds live subscriptions.
func (s *NATSSource) Subscribed() bool {
	return s.subscribed.Load()
}

func (s *NATSSource) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			_ = s.dispatcher.Dispatch(ctx, deliveryFromMessage(topic, msg))
		}
	}
}

func deliveryFromMessage(topic string, msg *message.Message) ingest.Delivery {
	subject := msg.Metadata.Get(MetadataSubject)
	if subject == "" {
		subject = topic
	}
	return ingest.Delivery{
		ID:         msg.UUID,
		Source:     ingest.SourceNATS,
		Topic:      subject,
		Payload:    msg.Payload,
		ReceivedAt: time.Now(),
		Ack:        func() { msg.Ack() },
		Nack:       func() { msg.Nack() },
	}
}

// Close closes the subscriber. Unsettled messages are redelivered by
// JetStream after AckWait.
func (s *NATSSource) Close() error {
	return s.subscriber.Close()
}
