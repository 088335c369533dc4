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

// Package alerting consumes rule-eval tasks, evaluates each candidate rule
// against the task's metrics and creates alerts, with per (rule, device)
// cooldown suppression.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carverauto/factoryops/pkg/cache"
	"github.com/carverauto/factoryops/pkg/db"
	"github.com/carverauto/factoryops/pkg/models"
	"github.com/carverauto/factoryops/pkg/queue"
	"github.com/carverauto/factoryops/pkg/rules"
)

// Store is the relational surface the worker needs.
type Store interface {
	RuleSource

	GetFactoryByID(ctx context.Context, factoryID int64) (*models.Factory, error)
	GetCooldown(ctx context.Context, ruleID, deviceID int64) (*models.RuleCooldown, error)
	CreateAlertWithCooldown(ctx context.Context, alert *models.Alert, cooldown time.Duration) (int64, error)
}

// Dispatcher submits notification tasks.
type Dispatcher interface {
	Submit(ctx context.Context, queueName string, payload []byte) (string, error)
}

const tzCacheTTL = 10 * time.Minute

type tzEntry struct {
	loc     *time.Location
	expires time.Time
}

// Worker evaluates one rule-eval task at a time per goroutine; the queue
// layer controls concurrency. Evaluation itself is pure; this type owns the
// I/O around it.
type Worker struct {
	store    Store
	rules    *ruleCache
	dispatch Dispatcher
	log      zerolog.Logger
	now      func() time.Time

	tzMu sync.Mutex
	tz   map[int64]tzEntry
}

func NewWorker(store Store, dispatch Dispatcher, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		rules:    newRuleCache(store),
		dispatch: dispatch,
		log:      log,
		now:      time.Now,
		tz:       make(map[int64]tzEntry),
	}
}

// HandleTask is the rule_engine queue handler. A nil return acks the task;
// an error leaves it for redelivery with backoff.
func (w *Worker) HandleTask(ctx context.Context, payload []byte) error {
	var task models.RuleEngineTask

	if err := json.Unmarshal(payload, &task); err != nil {
		// Malformed tasks never become valid; ack and move on.
		w.log.Error().Err(err).Msg("malformed rule-eval task, discarding")

		return nil
	}

	loc, err := w.factoryLocation(ctx, task.FactoryID)
	if err != nil {
		return err
	}

	candidates, err := w.rules.Get(ctx, task.FactoryID, task.DeviceID)
	if err != nil {
		return err
	}

	metrics := task.Metrics.Floats()
	now := w.now().UTC()

	for _, rule := range candidates {
		if !rules.Evaluate(rule, metrics, now, loc) {
			continue
		}

		if err := w.fire(ctx, rule, &task, metrics, now); err != nil {
			return err
		}
	}

	return nil
}

// fire creates the alert unless the (rule, device) pair is cooling down.
// The cooldown check here is the cheap fast path; the transaction in
// CreateAlertWithCooldown re-checks it, so two workers racing on the same
// pair commit at most one alert per window.
func (w *Worker) fire(ctx context.Context, rule *models.Rule, task *models.RuleEngineTask, metrics map[string]float64, now time.Time) error {
	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute

	if cooldown > 0 {
		cd, err := w.store.GetCooldown(ctx, rule.ID, task.DeviceID)
		if err != nil {
			return err
		}

		if cd != nil && now.Sub(cd.LastTriggered) < cooldown {
			w.log.Debug().
				Int64("rule_id", rule.ID).
				Int64("device_id", task.DeviceID).
				Time("last_triggered", cd.LastTriggered).
				Msg("rule in cooldown, suppressed")

			return nil
		}
	}

	alert := &models.Alert{
		FactoryID:         task.FactoryID,
		RuleID:            rule.ID,
		DeviceID:          task.DeviceID,
		TriggeredAt:       now,
		Severity:          rule.Severity,
		Message:           buildMessage(rule, metrics),
		TelemetrySnapshot: task.Metrics,
	}

	alertID, err := w.store.CreateAlertWithCooldown(ctx, alert, cooldown)
	if errors.Is(err, db.ErrCooldownActive) {
		w.log.Debug().
			Int64("rule_id", rule.ID).
			Int64("device_id", task.DeviceID).
			Msg("cooldown advanced by a concurrent worker, suppressed")

		return nil
	}

	if err != nil {
		return err
	}

	w.log.Info().
		Int64("alert_id", alertID).
		Int64("rule_id", rule.ID).
		Int64("factory_id", task.FactoryID).
		Int64("device_id", task.DeviceID).
		Str("severity", string(rule.Severity)).
		Msg("alert created")

	w.submitNotification(ctx, alertID, rule)

	return nil
}

// submitNotification is best effort: the alert row is already committed
// and redelivering the whole task would be suppressed by the cooldown, so
// a failed submit is logged rather than retried through the queue.
func (w *Worker) submitNotification(ctx context.Context, alertID int64, rule *models.Rule) {
	if !rule.NotificationChannels.Email && !rule.NotificationChannels.WhatsApp {
		return
	}

	payload, err := json.Marshal(models.NotificationTask{
		TaskID:   uuid.New().String(),
		AlertID:  alertID,
		Channels: rule.NotificationChannels,
	})
	if err != nil {
		w.log.Error().Err(err).Int64("alert_id", alertID).Msg("failed to marshal notification task")

		return
	}

	if _, err := w.dispatch.Submit(ctx, queue.Notifications, payload); err != nil {
		w.log.Error().Err(err).Int64("alert_id", alertID).Msg("failed to submit notification task")
	}
}

// WatchInvalidations drops cached rule sets when rule or device CRUD
// notices arrive. Runs until the channel closes or ctx ends.
func (w *Worker) WatchInvalidations(ctx context.Context, notices <-chan cache.Invalidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-notices:
			if !ok {
				return
			}

			switch inv.Kind {
			case cache.InvalidateRules, cache.InvalidateDevice:
				w.rules.InvalidateFactory(inv.FactoryID)
			case cache.InvalidateFactory:
				w.rules.InvalidateFactory(inv.FactoryID)
				w.dropLocation(inv.FactoryID)
			}
		}
	}
}

func (w *Worker) factoryLocation(ctx context.Context, factoryID int64) (*time.Location, error) {
	w.tzMu.Lock()
	entry, ok := w.tz[factoryID]
	w.tzMu.Unlock()

	if ok && w.now().Before(entry.expires) {
		return entry.loc, nil
	}

	factory, err := w.store.GetFactoryByID(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(factory.Timezone)
	if err != nil {
		w.log.Warn().
			Str("timezone", factory.Timezone).
			Int64("factory_id", factoryID).
			Msg("unknown factory timezone, using UTC")

		loc = time.UTC
	}

	w.tzMu.Lock()
	w.tz[factoryID] = tzEntry{loc: loc, expires: w.now().Add(tzCacheTTL)}
	w.tzMu.Unlock()

	return loc, nil
}

func (w *Worker) dropLocation(factoryID int64) {
	w.tzMu.Lock()
	delete(w.tz, factoryID)
	w.tzMu.Unlock()
}
