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

// Package queue provides the named FIFO work queues on NATS JetStream.
// Tasks are durable, redelivered on missed acks, retried with backoff and
// dead-lettered after the retry cap.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Queue names owned by the core and its collaborators.
const (
	RuleEngine    = "rule_engine"
	Analytics     = "analytics"
	Reporting     = "reporting"
	Notifications = "notifications"
)

const (
	// MaxPayloadSize bounds task payloads; rule-eval tasks carry one
	// telemetry message's metrics, far under this.
	MaxPayloadSize = 64 << 10

	// DefaultMaxRetries before a task moves to the dead-letter stream.
	DefaultMaxRetries = 5

	// visibilityTimeout is how long a delivered, unacked task stays
	// invisible before JetStream redelivers it.
	visibilityTimeout = 30 * time.Second

	dlqStream = "FACTORYOPS_DLQ"
)

var (
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrPayloadTooLarge = errors.New("task payload exceeds size limit")
)

// DefaultConcurrency is the per-queue max in-flight task count.
func DefaultConcurrency(queue string) int {
	switch queue {
	case RuleEngine, Notifications:
		return 4
	case Analytics, Reporting:
		return 2
	default:
		return 1
	}
}

func knownQueue(queue string) bool {
	switch queue {
	case RuleEngine, Analytics, Reporting, Notifications:
		return true
	}

	return false
}

func streamName(queue string) string {
	return "WORKQ_" + strings.ToUpper(queue)
}

func taskSubject(queue string) string {
	return "tasks." + queue
}

func dlqSubject(queue string) string {
	return "dlq." + queue
}

// Manager owns the JetStream streams backing the named queues.
type Manager struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log zerolog.Logger
}

// Connect dials NATS and ensures every queue's stream plus the shared
// dead-letter stream exist.
func Connect(ctx context.Context, natsURL string, log zerolog.Logger) (*Manager, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("queue: failed to create JetStream context: %w", err)
	}

	m := &Manager{nc: nc, js: js, log: log}

	for _, q := range []string{RuleEngine, Analytics, Reporting, Notifications} {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       streamName(q),
			Subjects:   []string{taskSubject(q)},
			Retention:  jetstream.WorkQueuePolicy,
			MaxMsgSize: MaxPayloadSize,
			Storage:    jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()

			return nil, fmt.Errorf("queue: failed to create stream for %s: %w", q, err)
		}
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     dlqStream,
		Subjects: []string{"dlq.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("queue: failed to create dead-letter stream: %w", err)
	}

	log.Info().Str("url", natsURL).Msg("work queues ready")

	return m, nil
}

// Submit enqueues one task. The returned ticket is the stream sequence of
// the stored message. Saturation surfaces as a context deadline: callers
// bound their wait with ctx and treat expiry as back-pressure.
func (m *Manager) Submit(ctx context.Context, queue string, payload []byte) (string, error) {
	if !knownQueue(queue) {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	if len(payload) > MaxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	ack, err := m.js.Publish(ctx, taskSubject(queue), payload)
	if err != nil {
		return "", fmt.Errorf("queue: failed to submit to %s: %w", queue, err)
	}

	return fmt.Sprintf("%s/%d", queue, ack.Sequence), nil
}

// Handler processes one task. Returning nil acks the task; an error nacks
// it for redelivery with backoff.
type Handler func(ctx context.Context, payload []byte) error

// Consume delivers tasks from a queue to handler with at most maxInFlight
// unacked at once, until ctx ends. Tasks that exhaust their retries move
// to the dead-letter stream.
func (m *Manager) Consume(ctx context.Context, queue string, maxInFlight int, handler Handler) error {
	if !knownQueue(queue) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	if maxInFlight <= 0 {
		maxInFlight = DefaultConcurrency(queue)
	}

	cons, err := m.js.CreateOrUpdateConsumer(ctx, streamName(queue), jetstream.ConsumerConfig{
		Durable:       queue + "_workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       visibilityTimeout,
		MaxAckPending: maxInFlight,
		MaxDeliver:    DefaultMaxRetries + 1,
	})
	if err != nil {
		return fmt.Errorf("queue: failed to create consumer for %s: %w", queue, err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		m.handleTask(ctx, queue, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("queue: failed to start consumer for %s: %w", queue, err)
	}

	<-ctx.Done()
	consumeCtx.Stop()

	return nil
}

func (m *Manager) handleTask(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	meta, err := msg.Metadata()
	if err != nil {
		m.log.Error().Err(err).Str("queue", queue).Msg("task without metadata, terminating")
		_ = msg.Term()

		return
	}

	attempt := int(meta.NumDelivered)

	if attempt > DefaultMaxRetries {
		m.deadLetter(ctx, queue, msg)

		return
	}

	if err := handler(ctx, msg.Data()); err != nil {
		delay := BackoffDelay(attempt)

		m.log.Warn().
			Err(err).
			Str("queue", queue).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("task failed, scheduling retry")

		if attempt == DefaultMaxRetries {
			// Last delivery; redelivery would be discarded by
			// MaxDeliver, so dead-letter now.
			m.deadLetter(ctx, queue, msg)

			return
		}

		if nerr := msg.NakWithDelay(delay); nerr != nil {
			m.log.Error().Err(nerr).Str("queue", queue).Msg("failed to nack task")
		}

		return
	}

	if aerr := msg.Ack(); aerr != nil {
		m.log.Error().Err(aerr).Str("queue", queue).Msg("failed to ack task")
	}
}

func (m *Manager) deadLetter(ctx context.Context, queue string, msg jetstream.Msg) {
	if _, err := m.js.Publish(ctx, dlqSubject(queue), msg.Data()); err != nil {
		m.log.Error().Err(err).Str("queue", queue).Msg("failed to dead-letter task, nacking")

		if nerr := msg.NakWithDelay(BackoffDelay(DefaultMaxRetries)); nerr != nil {
			m.log.Error().Err(nerr).Str("queue", queue).Msg("failed to nack task")
		}

		return
	}

	m.log.Error().Str("queue", queue).Msg("task exhausted retries, dead-lettered")

	if err := msg.Ack(); err != nil {
		m.log.Error().Err(err).Str("queue", queue).Msg("failed to ack dead-lettered task")
	}
}

func (m *Manager) Close() {
	m.nc.Close()
}
