// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eclipse/paho.golang/paho"

	"github.com/tomtom215/sensorstream/internal/config"
	"github.com/tomtom215/sensorstream/internal/ingest"
	"github.com/tomtom215/sensorstream/internal/logging"
	"github.com/tomtom215/sensorstream/internal/metrics"
)

// sessionExpiry keeps the broker-side session, and with it unacknowledged
// QoS 1 messages, across reconnects.
const sessionExpiry = uint32(24 * time.Hour / time.Second)

// ErrSubscribeRejected is returned when the broker refuses a subscription.
var ErrSubscribeRejected = errors.New("broker rejected subscription")

// errDeliveryReleased ends a connection whose ack order is blocked by a
// publish the pipeline refused.
var errDeliveryReleased = errors.New("delivery released")

// MQTTSource subscribes to an MQTT v5 broker and dispatches every publish.
//
// Acknowledgement is manual: a QoS 1 publish is acked only after the
// pipeline settles it, and ReceiveMaximum caps how many unacked publishes the
// broker may send, so a full pipeline stops delivery at the broker. paho
// sends PUBACKs in receive order, so a publish the pipeline refuses would
// hold back every later ack. Releasing one therefore ends the connection;
// the session is persistent and on reconnect the broker resends whatever
// was not acked while the source resubscribes to every topic.
type MQTTSource struct {
	cfg        config.MQTTConfig
	dispatcher Dispatcher
	receiveMax uint16
	dial       func(ctx context.Context) (net.Conn, error)

	mu     sync.Mutex
	client *paho.Client
}

// NewMQTTSource creates a source. receiveMaximum is used when
// cfg.ReceiveMaximum is zero.
func NewMQTTSource(cfg config.MQTTConfig, receiveMaximum int, d Dispatcher) *MQTTSource {
	rm := cfg.ReceiveMaximum
	if rm <= 0 {
		rm = receiveMaximum
	}
	if rm <= 0 {
		rm = 1
	}
	if rm > math.MaxUint16 {
		rm = math.MaxUint16
	}

	s := &MQTTSource{
		cfg:        cfg,
		dispatcher: d,
		receiveMax: uint16(rm),
	}
	addr := net.JoinHostPort(cfg.BrokerHost, strconv.Itoa(cfg.BrokerPort))
	s.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	return s
}

// Run connects, subscribes and dispatches until ctx is done. A lost
// connection is re-established with exponential backoff; a released
// delivery closes the connection and resumes the session.
func (s *MQTTSource) Run(ctx context.Context) error {
	for {
		lost, err := s.connectWithRetry(ctx)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			s.disconnect()
			return ctx.Err()
		case err := <-lost:
			if !errors.Is(err, errDeliveryReleased) {
				s.mu.Lock()
				s.client = nil
				s.mu.Unlock()
				metrics.SetBrokerConnected(ingest.SourceMQTT, false)
				logging.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
				continue
			}
			s.disconnect()
			// Give the pipeline a moment to drain before the broker resends.
			logging.Info().Dur("pause", s.cfg.ReconnectInitial).Msg("MQTT delivery released, resuming session")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ReconnectInitial):
			}
		}
	}
}

// Connected reports whether a session is established.
func (s *MQTTSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *MQTTSource) connectWithRetry(ctx context.Context) (<-chan error, error) {
	b := backoff.NewExponentialBackOff()
	if s.cfg.ReconnectInitial > 0 {
		b.InitialInterval = s.cfg.ReconnectInitial
	}
	if s.cfg.ReconnectMax > 0 {
		b.MaxInterval = s.cfg.ReconnectMax
	}

	notify := func(err error, next time.Duration) {
		metrics.RecordBrokerReconnect(ingest.SourceMQTT)
		logging.Warn().
			Err(err).
			Dur("retry_in", next).
			Str("broker", net.JoinHostPort(s.cfg.BrokerHost, strconv.Itoa(s.cfg.BrokerPort))).
			Msg("MQTT connect failed")
	}

	lost, err := backoff.Retry(ctx, func() (<-chan error, error) {
		return s.connect(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return lost, nil
}

// connect performs one connect and subscribe attempt. The returned channel
// receives once when the connection drops.
func (s *MQTTSource) connect(ctx context.Context) (<-chan error, error) {
	dialCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := s.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	lost := make(chan error, 1)
	signal := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	var client *paho.Client
	client = paho.NewClient(paho.ClientConfig{
		ClientID:                   s.cfg.ClientID,
		Conn:                       conn,
		EnableManualAcknowledgment: true,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.handle(ctx, client, pr.Packet, signal)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			signal(fmt.Errorf("client error: %w", err))
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			signal(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	expiry := sessionExpiry
	receiveMax := s.receiveMax
	cp := &paho.Connect{
		ClientID:     s.cfg.ClientID,
		CleanStart:   false,
		KeepAlive:    uint16(s.cfg.KeepAlive / time.Second),
		Username:     s.cfg.Username,
		UsernameFlag: s.cfg.Username != "",
		Password:     []byte(s.cfg.Password),
		PasswordFlag: s.cfg.Password != "",
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &expiry,
			ReceiveMaximum:        &receiveMax,
		},
	}

	connack, err := client.Connect(dialCtx, cp)
	if err != nil {
		_ = conn.Close()
		if connack != nil {
			return nil, fmt.Errorf("connect refused, reason code %d: %w", connack.ReasonCode, err)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := s.subscribe(dialCtx, client); err != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		if errors.Is(err, ErrSubscribeRejected) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	metrics.SetBrokerConnected(ingest.SourceMQTT, true)
	logging.Info().
		Str("client_id", s.cfg.ClientID).
		Strs("topics", s.dispatcher.Topics()).
		Bool("session_present", connack.SessionPresent).
		Uint16("receive_maximum", receiveMax).
		Msg("MQTT source connected")

	return lost, nil
}

func (s *MQTTSource) subscribe(ctx context.Context, client *paho.Client) error {
	topics := s.dispatcher.Topics()
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: byte(s.cfg.QoS)})
	}

	suback, err := client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for i, code := range suback.Reasons {
		if code >= 0x80 {
			topic := ""
			if i < len(topics) {
				topic = topics[i]
			}
			return fmt.Errorf("%w: %s (reason code %d)", ErrSubscribeRejected, topic, code)
		}
	}
	return nil
}

func (s *MQTTSource) handle(ctx context.Context, client *paho.Client, p *paho.Publish, drop func(error)) {
	d := ingest.Delivery{
		Source:     ingest.SourceMQTT,
		Topic:      p.Topic,
		Payload:    p.Payload,
		ReceivedAt: time.Now(),
	}

	if p.QoS > 0 {
		d.Ack = func() {
			if err := client.Ack(p); err != nil {
				logging.Debug().Err(err).Uint16("packet_id", p.PacketID).Msg("MQTT ack failed")
			}
		}
		// MQTT has no negative ack; the broker resends on session resume.
		d.Nack = func() {
			drop(fmt.Errorf("%w: packet %d on %s", errDeliveryReleased, p.PacketID, p.Topic))
		}
	}

	_ = s.dispatcher.Dispatch(ctx, d)
}

func (s *MQTTSource) disconnect() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	metrics.SetBrokerConnected(ingest.SourceMQTT, false)
	if client == nil {
		return
	}
	if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		logging.Debug().Err(err).Msg("MQTT disconnect failed")
		return
	}
	logging.Info().Msg("MQTT source disconnected")
}
