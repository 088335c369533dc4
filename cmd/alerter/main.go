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

// The alerter consumes rule-eval tasks from the work queue, evaluates alert
// rules against each telemetry message and creates alerts with cooldown
// suppression.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/factoryops/pkg/alerting"
	"github.com/carverauto/factoryops/pkg/cache"
	"github.com/carverauto/factoryops/pkg/config"
	"github.com/carverauto/factoryops/pkg/db"
	"github.com/carverauto/factoryops/pkg/logger"
	"github.com/carverauto/factoryops/pkg/queue"
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
		ServiceName: "factoryops-alerter",
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

	worker := alerting.NewWorker(store, queues, logger.WithComponent(rootLog, "alerting"))

	notices, err := shared.SubscribeInvalidations(ctx)
	if err != nil {
		return err
	}

	go worker.WatchInvalidations(ctx, notices)

	rootLog.Info().Str("queue", queue.RuleEngine).Msg("alerter starting")

	// Blocks until ctx is cancelled; in-flight tasks finish or are
	// redelivered by the queue's visibility timeout.
	return queues.Consume(ctx, queue.RuleEngine,
		queue.DefaultConcurrency(queue.RuleEngine), worker.HandleTask)
}
