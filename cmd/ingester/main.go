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

// The ingester consumes device telemetry from the MQTT broker, resolves
// identity, discovers parameters, writes time-series points and dispatches
// rule-eval tasks.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/factoryops/pkg/cache"
	"github.com/carverauto/factoryops/pkg/config"
	"github.com/carverauto/factoryops/pkg/db"
	"github.com/carverauto/factoryops/pkg/discovery"
	"github.com/carverauto/factoryops/pkg/identity"
	"github.com/carverauto/factoryops/pkg/ingest"
	"github.com/carverauto/factoryops/pkg/logger"
	"github.com/carverauto/factoryops/pkg/mqtt"
	"github.com/carverauto/factoryops/pkg/queue"
	"github.com/carverauto/factoryops/pkg/timeseries"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	rootLog, err := logger.New(logger.DefaultConfig())
	if err != nil {
		return err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName: "factoryops-ingester",
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
	}); err != nil && !errors.Is(err, logger.ErrOTelMetricsDisabled) {
		return err
	}

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = logger.ShutdownMetrics(flushCtx)
	}()

	store, err := db.New(ctx, cfg.DatabaseURL, logger.WithComponent(rootLog, "db"))
	if err != nil {
		return err
	}
	defer store.Close()

	shared, err := cache.New(ctx, cfg.RedisURL, logger.WithComponent(rootLog, "cache"))
	if err != nil {
		return err
	}
	defer func() { _ = shared.Close() }()

	queues, err := queue.Connect(ctx, cfg.NATSURL, logger.WithComponent(rootLog, "queue"))
	if err != nil {
		return err
	}
	defer queues.Close()

	influxClient, pointAPI := timeseries.NewClient(
		cfg.InfluxDBURL, cfg.InfluxDBToken, cfg.InfluxDBOrg, cfg.InfluxDBBucket)
	defer influxClient.Close()

	writer, err := timeseries.NewWriter(pointAPI, timeseries.Config{
		BatchSize:     cfg.TSBatchSize,
		FlushInterval: cfg.TSFlushInterval,
		FlushTimeout:  cfg.TSFlushTimeout,
		MaxRetries:    cfg.TSMaxRetries,
		SpoolDir:      cfg.TSSpoolDir,
	}, logger.WithComponent(rootLog, "timeseries"))
	if err != nil {
		return err
	}

	resolver := identity.NewResolver(store, shared, cfg.AutoCreateDevices,
		logger.WithComponent(rootLog, "identity"))
	disco := discovery.New(resolver, store, logger.WithComponent(rootLog, "discovery"))

	coordinator, err := ingest.NewCoordinator(resolver, disco, writer, store, shared, queues,
		ingest.Config{
			Workers:      cfg.WorkerPoolSize,
			DispatchWait: cfg.DispatchWait,
			MaxRetries:   cfg.MessageMaxRetries,
			DBTimeout:    cfg.DBTimeout,
			Debounce:     cfg.LastSeenDebounce,
			DeadLetter:   cfg.DeadLetterDir,
		}, logger.WithComponent(rootLog, "ingest"))
	if err != nil {
		return err
	}

	notices, err := shared.SubscribeInvalidations(ctx)
	if err != nil {
		return err
	}

	go func() {
		for inv := range notices {
			resolver.Invalidate(inv.Slug, inv.FactoryID, inv.DeviceID, inv.DeviceKey)
		}
	}()

	writer.Start(ctx)
	coordinator.Start()

	subscriber := mqtt.NewSubscriber(mqtt.Config{
		BrokerAddr: cfg.BrokerAddr(),
		ClientID:   cfg.MQTTClientID,
		Username:   cfg.MQTTUsername,
		Password:   cfg.MQTTPassword,
	}, coordinator.Handle, logger.WithComponent(rootLog, "mqtt"))

	rootLog.Info().
		Str("broker", cfg.BrokerAddr()).
		Int("workers", cfg.WorkerPoolSize).
		Msg("ingester starting")

	subErr := subscriber.Start(ctx)

	// Intake is closed; drain inner stages within the grace window. Past
	// it the coordinator aborts and leaves unacked messages to broker
	// redelivery.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelStop()

	done := make(chan struct{})
	go func() {
		defer close(done)

		coordinator.Stop(stopCtx)
		writer.Stop()
	}()

	select {
	case <-done:
		rootLog.Info().Msg("ingester drained cleanly")
	case <-time.After(cfg.ShutdownGrace + 5*time.Second):
		rootLog.Warn().Dur("grace", cfg.ShutdownGrace).Msg("shutdown grace expired, exiting")
	}

	return subErr
}
