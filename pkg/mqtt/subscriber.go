/*
 * Copyright 2026 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mqtt is the broker intake for the telemetry core. The consumer
// treats every QoS level as at-least-once; downstream effects are
// idempotent.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"
)

// TelemetryTopicFilter matches every device telemetry topic across all
// factories.
const TelemetryTopicFilter = "factories/+/devices/+/telemetry"

// Handler receives each inbound message. It may block; blocking here is
// the back-pressure path from the coordinator to the broker. ack must be
// called exactly once, after processing resolves (success, deliberate
// drop, or dead-letter); a message never acked is redelivered by the
// broker on reconnect.
type Handler func(topic string, payload []byte, ack func())

type Config struct {
	BrokerAddr string
	ClientID   string
	Username   string
	Password   string
	Topic      string
}

// Subscriber manages the broker connection and resubscribes on every
// reconnect, since the session is not relied on to survive.
type Subscriber struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger
	cm      *autopaho.ConnectionManager
}

func NewSubscriber(cfg Config, handler Handler, log zerolog.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = TelemetryTopicFilter
	}

	return &Subscriber{cfg: cfg, handler: handler, log: log}
}

// Start connects and blocks until ctx is cancelled, then disconnects.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse("mqtt://" + s.cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("mqtt: failed to parse broker address: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.log.Info().Str("broker", s.cfg.BrokerAddr).Msg("connected to broker")

			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			s.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			s.log.Warn().Err(err).Msg("broker connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			// QoS 1 messages are acked by the handler once processing
			// resolves, not on receipt.
			EnableManualAcknowledgment: true,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt: failed to connect: %w", err)
	}

	s.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		ack := func() {}

		if pr.Packet.QoS > 0 {
			client, pkt := pr.Client, pr.Packet
			ack = func() {
				if err := client.Ack(pkt); err != nil {
					s.log.Warn().Err(err).Str("topic", pkt.Topic).Msg("broker ack failed")
				}
			}
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					// Not acked; the broker redelivers.
					s.log.Error().
						Str("topic", pr.Packet.Topic).
						Interface("panic", r).
						Msg("message handler panicked")
				}
			}()

			s.handler(pr.Packet.Topic, pr.Packet.Payload, ack)
		}()

		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()

	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.log.Warn().Err(err).Msg("initial broker connection timed out, retrying in background")
	}

	<-ctx.Done()

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return cm.Disconnect(disconnectCtx)
}

// subscribe is called on every (re-)connect because autopaho does not
// resubscribe automatically.
func (s *Subscriber) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: s.cfg.Topic, QoS: 1},
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("topic", s.cfg.Topic).Msg("subscribe failed")

		return
	}

	s.log.Info().Str("topic", s.cfg.Topic).Msg("subscribed")
}
