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

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/factoryops/pkg/models"
)

const (
	getCooldownSQL = `
SELECT rule_id, device_id, last_triggered
FROM rule_cooldowns
WHERE rule_id = $1 AND device_id = $2`

	insertAlertSQL = `
INSERT INTO alerts
	(factory_id, rule_id, device_id, triggered_at, severity, message, telemetry_snapshot, notification_sent)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
RETURNING id`

	upsertCooldownSQL = `
INSERT INTO rule_cooldowns (rule_id, device_id, last_triggered)
VALUES ($1, $2, $3)
ON CONFLICT (rule_id, device_id) DO UPDATE SET
	last_triggered = EXCLUDED.last_triggered`

	advanceCooldownSQL = `
INSERT INTO rule_cooldowns (rule_id, device_id, last_triggered)
VALUES ($1, $2, $3)
ON CONFLICT (rule_id, device_id) DO UPDATE SET
	last_triggered = EXCLUDED.last_triggered
WHERE rule_cooldowns.last_triggered <= EXCLUDED.last_triggered - make_interval(secs => $4)`

	resolveAlertSQL = `
UPDATE alerts
SET resolved_at = $3
WHERE factory_id = $1 AND id = $2 AND resolved_at IS NULL`

	countActiveAlertsSQL = `
SELECT severity, COUNT(*)
FROM alerts
WHERE factory_id = $1 AND resolved_at IS NULL
GROUP BY severity`
)

func (db *DB) GetCooldown(ctx context.Context, ruleID, deviceID int64) (*models.RuleCooldown, error) {
	if ruleID == 0 || deviceID == 0 {
		return nil, ErrCooldownPairNil
	}

	var c models.RuleCooldown

	err := db.pool.QueryRow(ctx, getCooldownSQL, ruleID, deviceID).
		Scan(&c.RuleID, &c.DeviceID, &c.LastTriggered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query cooldown: %w", err)
	}

	return &c, nil
}

// CreateAlertWithCooldown advances the cooldown marker and inserts the
// alert row in one transaction, so no alert becomes visible without its
// cooldown update. With a non-zero cooldown the advance is conditional:
// when two workers race on the same (rule, device) pair only the one
// whose upsert moves the marker inserts an alert, the other gets
// ErrCooldownActive. Returns the new alert id.
func (db *DB) CreateAlertWithCooldown(ctx context.Context, alert *models.Alert, cooldown time.Duration) (int64, error) {
	snapshot, err := json.Marshal(alert.TelemetrySnapshot)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal telemetry snapshot: %w", err)
	}

	var alertID int64

	err = db.withRetry(ctx, "create_alert", func(ctx context.Context) error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if cooldown > 0 {
			tag, err := tx.Exec(ctx, advanceCooldownSQL,
				alert.RuleID, alert.DeviceID, alert.TriggeredAt.UTC(), cooldown.Seconds())
			if err != nil {
				return fmt.Errorf("failed to advance cooldown: %w", err)
			}

			if tag.RowsAffected() == 0 {
				return ErrCooldownActive
			}
		} else {
			_, err = tx.Exec(ctx, upsertCooldownSQL,
				alert.RuleID, alert.DeviceID, alert.TriggeredAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to upsert cooldown: %w", err)
			}
		}

		err = tx.QueryRow(ctx, insertAlertSQL,
			alert.FactoryID, alert.RuleID, alert.DeviceID,
			alert.TriggeredAt.UTC(), alert.Severity, alert.Message, snapshot).
			Scan(&alertID)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	return alertID, nil
}

func (db *DB) ResolveAlert(ctx context.Context, factoryID, alertID int64, resolvedAt time.Time) error {
	tag, err := db.pool.Exec(ctx, resolveAlertSQL, factoryID, alertID, resolvedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}

	return nil
}

// CountActiveAlerts returns unresolved alert counts per severity for one
// factory, the input to health scoring.
func (db *DB) CountActiveAlerts(ctx context.Context, factoryID int64) (map[models.Severity]int, error) {
	rows, err := db.pool.Query(ctx, countActiveAlertsSQL, factoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Severity]int)

	for rows.Next() {
		var (
			severity models.Severity
			count    int
		)

		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}

		counts[severity] = count
	}

	return counts, rows.Err()
}
