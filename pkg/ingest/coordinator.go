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

// Package ingest is the telemetry ingestion coordinator: it parses and
// validates broker messages, resolves identity, drives parameter
// discovery and the time-series writer, and dispatches rule evaluation.
// Work is partitioned by (factory slug, device key) so each device's
// messages are processed in order; devices run in parallel.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carverauto/factoryops/pkg/identity"
	"github.com/carverauto/factoryops/pkg/models"
	"github.com/carverauto/factoryops/pkg/queue"
)

// Resolver is the identity slice the coordinator needs (C1).
type Resolver interface {
	ResolveFactory(ctx context.Context, slug string) (int64, error)
	ResolveDevice(ctx context.Context, factoryID int64, deviceKey string) (int64, error)
}

// Discoverer reconciles metric keys with parameter records (C2).
type Discoverer interface {
	Discover(ctx context.Context, factoryID, deviceID int64, metrics models.Metrics) error
}

// SampleWriter buffers samples for the time-series store (C3).
type SampleWriter interface {
	Add(ctx context.Context, sample *models.TelemetrySample) error
}

// Dispatcher submits rule-eval tasks (C7).
type Dispatcher interface {
	Submit(ctx context.Context, queueName string, payload []byte) (string, error)
}

type Config struct {
	Workers      int
	DispatchWait time.Duration
	MaxRetries   int
	DBTimeout    time.Duration
	Debounce     time.Duration
	DeadLetter   string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}

	if c.DispatchWait <= 0 {
		c.DispatchWait = 2 * time.Second
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}

	if c.DBTimeout <= 0 {
		c.DBTimeout = 5 * time.Second
	}
}

type Coordinator struct {
	cfg      Config
	resolver Resolver
	disco    Discoverer
	samples  SampleWriter
	lastSeen *lastSeenDebouncer
	dispatch Dispatcher
	dlq      *deadLetter
	log      zerolog.Logger
	now      func() time.Time

	partitions []chan envelope
	quit       chan struct{}
	wg         sync.WaitGroup

	// runCtx governs in-flight processing; it is independent of the
	// intake lifecycle so draining survives signal cancellation, and is
	// aborted only when the shutdown grace expires.
	runCtx context.Context
	abort  context.CancelFunc

	ruleDispatchDropped atomic.Int64
}

type envelope struct {
	topic     string
	slug      string
	deviceKey string
	payload   []byte
	ack       func()
}

// done acknowledges the message to the broker. Called exactly once, when
// processing resolves.
func (e envelope) done() {
	if e.ack != nil {
		e.ack()
	}
}

// errDrop marks deliberate drops: the message was consumed and will not be
// retried.
var errDrop = errors.New("message dropped")

func NewCoordinator(
	resolver Resolver,
	disco Discoverer,
	samples SampleWriter,
	store LastSeenStore,
	mirror LastSeenMirror,
	dispatch Dispatcher,
	cfg Config,
	log zerolog.Logger,
) (*Coordinator, error) {
	cfg.applyDefaults()

	var (
		dlq *deadLetter
		err error
	)

	if cfg.DeadLetter != "" {
		dlq, err = newDeadLetter(cfg.DeadLetter)
		if err != nil {
			return nil, err
		}
	}

	c := &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		disco:    disco,
		samples:  samples,
		lastSeen: newLastSeenDebouncer(store, mirror, cfg.Debounce, cfg.DBTimeout, log),
		dispatch: dispatch,
		dlq:      dlq,
		log:      log,
		now:      time.Now,
	}

	c.quit = make(chan struct{})
	c.runCtx, c.abort = context.WithCancel(context.Background())

	c.partitions = make([]chan envelope, cfg.Workers)
	for i := range c.partitions {
		c.partitions[i] = make(chan envelope, 64)
	}

	return c, nil
}

// Start launches the partition workers. Stop joins them; workers exit
// only through quit so that signal cancellation cannot discard buffered
// messages.
func (c *Coordinator) Start() {
	for _, ch := range c.partitions {
		c.wg.Add(1)

		go func(ch chan envelope) {
			defer c.wg.Done()

			for {
				select {
				case env := <-ch:
					c.processWithRetry(c.runCtx, env)
				case <-c.quit:
					// Drain what is already buffered, then exit.
					for {
						select {
						case env := <-ch:
							c.processWithRetry(c.runCtx, env)
						default:
							return
						}
					}
				}
			}
		}(ch)
	}
}

// Stop closes intake, drains buffered messages and flushes pending
// last_seen writes. When ctx expires first, in-flight work is aborted
// and its unacked messages are left to broker redelivery. Partition
// channels are never closed so a broker callback caught mid-handoff
// cannot panic; it is released by quit.
func (c *Coordinator) Stop(ctx context.Context) {
	close(c.quit)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.abort()
		<-done
	}

	c.lastSeen.Drain()
}

// RuleDispatchDropped reports how many rule-eval dispatches were shed
// under queue back-pressure.
func (c *Coordinator) RuleDispatchDropped() int64 {
	return c.ruleDispatchDropped.Load()
}

// Handle is the broker message callback. It parses the topic, then blocks
// handing the message to its device partition; that block is the
// back-pressure path to the broker consume loop. ack travels with the
// message and fires once processing resolves.
func (c *Coordinator) Handle(topic string, payload []byte, ack func()) {
	env := envelope{topic: topic, payload: payload, ack: ack}

	slug, deviceKey, err := ParseTopic(topic)
	if err != nil {
		c.log.Info().Str("topic", topic).Err(err).Msg("invalid telemetry topic, dropping")
		env.done()

		return
	}

	env.slug, env.deviceKey = slug, deviceKey

	select {
	case c.partitions[c.partitionFor(slug, deviceKey)] <- env:
	case <-c.quit:
		// Not acked; the broker redelivers after reconnect.
	}
}

func (c *Coordinator) partitionFor(slug, deviceKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(slug))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(deviceKey))

	return int(h.Sum32() % uint32(len(c.partitions)))
}

// processWithRetry retries transient failures with backoff; after the cap
// the message goes to the local dead-letter file. The broker ack fires
// only when the message resolves: success, deliberate drop, or a durable
// dead-letter record. An aborted or lost message stays unacked and is
// redelivered.
func (c *Coordinator) processWithRetry(ctx context.Context, env envelope) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.process(ctx, env)
		if err == nil || errors.Is(err, errDrop) {
			env.done()

			return
		}

		if ctx.Err() != nil {
			return
		}

		lastErr = err
		delay := queue.BackoffDelay(attempt)

		c.log.Warn().
			Err(err).
			Str("topic", env.topic).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("telemetry processing failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	c.log.Error().
		Err(lastErr).
		Str("topic", env.topic).
		Int("attempts", c.cfg.MaxRetries).
		Msg("telemetry message exhausted retries, dead-lettering")

	if c.dlq != nil {
		if err := c.dlq.write(env.topic, env.payload, lastErr.Error(), c.cfg.MaxRetries); err != nil {
			c.log.Error().Err(err).Msg("dead-letter write failed, leaving message to redelivery")

			return
		}

		recordDeadLettered(ctx)
	}

	env.done()
}

// process runs steps 2–8 of the pipeline for one message. Returning
// errDrop means the message was consumed deliberately; any other error is
// transient and retried.
func (c *Coordinator) process(ctx context.Context, env envelope) error {
	payload, err := ParsePayload(env.payload)
	if err != nil {
		c.log.Info().Str("topic", env.topic).Err(err).Msg("invalid telemetry payload, dropping")

		return errDrop
	}

	dbCtx, cancel := context.WithTimeout(ctx, c.cfg.DBTimeout)
	defer cancel()

	factoryID, err := c.resolver.ResolveFactory(dbCtx, env.slug)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownFactory) {
			c.log.Warn().Str("slug", env.slug).Str("topic", env.topic).Msg("unknown factory, dropping")

			return errDrop
		}

		return fmt.Errorf("factory resolve: %w", err)
	}

	deviceID, err := c.resolver.ResolveDevice(dbCtx, factoryID, env.deviceKey)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownDevice) {
			c.log.Warn().
				Int64("factory_id", factoryID).
				Str("device_key", env.deviceKey).
				Msg("unknown device and auto-create disabled, dropping")

			return errDrop
		}

		return fmt.Errorf("device resolve: %w", err)
	}

	if err := c.disco.Discover(dbCtx, factoryID, deviceID, payload.Metrics); err != nil {
		return fmt.Errorf("parameter discovery: %w", err)
	}

	ts := c.now().UTC()
	if payload.Timestamp != nil {
		ts = *payload.Timestamp
	}

	sample := &models.TelemetrySample{
		FactoryID: factoryID,
		DeviceID:  deviceID,
		Metrics:   payload.Metrics,
		Timestamp: ts,
	}

	if err := c.samples.Add(ctx, sample); err != nil {
		return fmt.Errorf("time-series enqueue: %w", err)
	}

	// The writer may have clamped a future timestamp; last_seen and the
	// rule task carry the effective time.
	c.lastSeen.Observe(ctx, factoryID, deviceID, sample.Timestamp)

	c.dispatchRuleEval(ctx, factoryID, deviceID, payload.Metrics, sample.Timestamp)

	c.log.Debug().
		Int64("factory_id", factoryID).
		Int64("device_id", deviceID).
		Str("device_key", env.deviceKey).
		Int("metric_count", len(payload.Metrics)).
		Msg("telemetry processed")

	return nil
}

// dispatchRuleEval submits the rule-eval task with a bounded wait. Beyond
// the wait the dispatch is shed: the sample is already durable in the
// time-series store, only alerting is skipped for this message.
func (c *Coordinator) dispatchRuleEval(ctx context.Context, factoryID, deviceID int64, metrics models.Metrics, ts time.Time) {
	task := models.RuleEngineTask{
		TaskID:    uuid.New().String(),
		FactoryID: factoryID,
		DeviceID:  deviceID,
		Metrics:   metrics,
		Timestamp: ts,
	}

	payload, err := json.Marshal(task)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal rule-eval task")

		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchWait)
	defer cancel()

	if _, err := c.dispatch.Submit(submitCtx, queue.RuleEngine, payload); err != nil {
		dropped := c.ruleDispatchDropped.Add(1)
		recordRuleDispatchDropped(ctx)

		c.log.Warn().
			Err(err).
			Int64("factory_id", factoryID).
			Int64("device_id", deviceID).
			Int64("rule_dispatch_dropped", dropped).
			Msg("rule-eval dispatch dropped")
	}
}
