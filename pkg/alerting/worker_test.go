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

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/factoryops/pkg/db"
	"github.com/carverauto/factoryops/pkg/logger"
	"github.com/carverauto/factoryops/pkg/models"
	"github.com/carverauto/factoryops/pkg/queue"
)

type fakeStore struct {
	mu sync.Mutex

	factory   *models.Factory
	rules     []*models.Rule
	listCalls int

	cooldowns map[string]*models.RuleCooldown
	alerts    []*models.Alert
	createErr error
}

func cooldownKey(ruleID, deviceID int64) string {
	return fmt.Sprintf("%d:%d", ruleID, deviceID)
}

func (f *fakeStore) GetFactoryByID(_ context.Context, factoryID int64) (*models.Factory, error) {
	if f.factory == nil {
		return &models.Factory{ID: factoryID, Timezone: "UTC"}, nil
	}

	return f.factory, nil
}

func (f *fakeStore) ListCandidateRules(_ context.Context, _, _ int64) ([]*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++

	return f.rules, nil
}

func (f *fakeStore) GetCooldown(_ context.Context, ruleID, deviceID int64) (*models.RuleCooldown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cooldowns[cooldownKey(ruleID, deviceID)], nil
}

func (f *fakeStore) CreateAlertWithCooldown(_ context.Context, alert *models.Alert, cooldown time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return 0, f.createErr
	}

	// Mirrors the conditional advance in the real transaction.
	if cd := f.cooldowns[cooldownKey(alert.RuleID, alert.DeviceID)]; cd != nil &&
		cooldown > 0 && alert.TriggeredAt.Sub(cd.LastTriggered) < cooldown {
		return 0, db.ErrCooldownActive
	}

	f.alerts = append(f.alerts, alert)

	if f.cooldowns == nil {
		f.cooldowns = make(map[string]*models.RuleCooldown)
	}

	f.cooldowns[cooldownKey(alert.RuleID, alert.DeviceID)] = &models.RuleCooldown{
		RuleID:        alert.RuleID,
		DeviceID:      alert.DeviceID,
		LastTriggered: alert.TriggeredAt,
	}

	return int64(len(f.alerts)), nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads [][]byte
	queues   []string
	err      error
}

func (f *fakeNotifier) Submit(_ context.Context, queueName string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.queues = append(f.queues, queueName)
	f.payloads = append(f.payloads, payload)

	return "notifications/1", nil
}

func tempRule(id int64, threshold float64) *models.Rule {
	return &models.Rule{
		ID:              id,
		FactoryID:       7,
		Name:            "High temperature",
		Scope:           models.ScopeGlobal,
		CooldownMinutes: 30,
		IsActive:        true,
		ScheduleType:    models.ScheduleAlways,
		Severity:        models.SeverityHigh,
		Conditions: &models.ConditionNode{
			Parameter: "temperature",
			Op:        models.OpGT,
			Value:     threshold,
		},
		NotificationChannels: models.NotificationChannels{Email: true},
	}
}

func taskPayload(t *testing.T, metrics models.Metrics) []byte {
	t.Helper()

	payload, err := json.Marshal(models.RuleEngineTask{
		TaskID:    "task-1",
		FactoryID: 7,
		DeviceID:  42,
		Metrics:   metrics,
		Timestamp: time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	return payload
}

func TestHandleTaskCreatesAlert(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	notifier := &fakeNotifier{}
	w := NewWorker(store, notifier, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105.2}})
	require.NoError(t, w.HandleTask(context.Background(), payload))

	require.Len(t, store.alerts, 1)

	alert := store.alerts[0]
	assert.Equal(t, int64(7), alert.FactoryID)
	assert.Equal(t, int64(1), alert.RuleID)
	assert.Equal(t, int64(42), alert.DeviceID)
	assert.Equal(t, models.SeverityHigh, alert.Severity)
	assert.Contains(t, alert.Message, "High temperature")
	assert.InDelta(t, 105.2, alert.TelemetrySnapshot.Floats()["temperature"], 1e-9)

	require.Len(t, notifier.payloads, 1)
	assert.Equal(t, queue.Notifications, notifier.queues[0])

	var task models.NotificationTask
	require.NoError(t, json.Unmarshal(notifier.payloads[0], &task))
	assert.Equal(t, int64(1), task.AlertID)
	assert.True(t, task.Channels.Email)
}

func TestHandleTaskNoFireNoAlert(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 95}})
	require.NoError(t, w.HandleTask(context.Background(), payload))

	assert.Empty(t, store.alerts)
}

func TestHandleTaskCooldownSuppresses(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105}})

	// First firing creates the alert and the cooldown row; the immediate
	// second firing is suppressed.
	require.NoError(t, w.HandleTask(context.Background(), payload))
	require.NoError(t, w.HandleTask(context.Background(), payload))

	assert.Len(t, store.alerts, 1)
}

func TestHandleTaskCooldownExpires(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105}})
	require.NoError(t, w.HandleTask(context.Background(), payload))

	// 31 minutes later the 30-minute cooldown has lapsed.
	now = now.Add(31 * time.Minute)
	require.NoError(t, w.HandleTask(context.Background(), payload))

	assert.Len(t, store.alerts, 2)
}

func TestCooldownAdvancedByConcurrentWorker(t *testing.T) {
	// The fast-path check passed but another process won the transactional
	// advance; the task still acks and nothing is created or notified.
	store := &fakeStore{
		rules:     []*models.Rule{tempRule(1, 100)},
		createErr: db.ErrCooldownActive,
	}
	notifier := &fakeNotifier{}
	w := NewWorker(store, notifier, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105}})
	require.NoError(t, w.HandleTask(context.Background(), payload))

	assert.Empty(t, store.alerts)
	assert.Empty(t, notifier.payloads)
}

func TestHandleTaskMalformedAcked(t *testing.T) {
	store := &fakeStore{}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	// nil return acks, so the poison task is not redelivered forever.
	assert.NoError(t, w.HandleTask(context.Background(), []byte("not json")))
}

func TestHandleTaskTransientStoreErrorSurfaces(t *testing.T) {
	store := &fakeStore{
		rules:     []*models.Rule{tempRule(1, 100)},
		createErr: errors.New("connection refused"),
	}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105}})
	assert.Error(t, w.HandleTask(context.Background(), payload))
}

func TestHandleTaskNotificationFailureDoesNotFailTask(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	notifier := &fakeNotifier{err: errors.New("queue saturated")}
	w := NewWorker(store, notifier, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105}})
	assert.NoError(t, w.HandleTask(context.Background(), payload))
	assert.Len(t, store.alerts, 1)
}

func TestHandleTaskNoChannelsNoNotification(t *testing.T) {
	rule := tempRule(1, 100)
	rule.NotificationChannels = models.NotificationChannels{}

	store := &fakeStore{rules: []*models.Rule{rule}}
	notifier := &fakeNotifier{}
	w := NewWorker(store, notifier, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 105}})
	require.NoError(t, w.HandleTask(context.Background(), payload))

	assert.Len(t, store.alerts, 1)
	assert.Empty(t, notifier.payloads)
}

func TestRuleCacheServesRepeatLookups(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 95}})

	require.NoError(t, w.HandleTask(context.Background(), payload))
	require.NoError(t, w.HandleTask(context.Background(), payload))
	require.NoError(t, w.HandleTask(context.Background(), payload))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.listCalls)
}

func TestRuleCacheInvalidation(t *testing.T) {
	store := &fakeStore{rules: []*models.Rule{tempRule(1, 100)}}
	w := NewWorker(store, &fakeNotifier{}, logger.NewTestLogger())

	payload := taskPayload(t, models.Metrics{"temperature": {Float: 95}})
	require.NoError(t, w.HandleTask(context.Background(), payload))

	w.rules.InvalidateFactory(7)

	require.NoError(t, w.HandleTask(context.Background(), payload))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 2, store.listCalls)
}
