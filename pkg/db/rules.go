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
	"fmt"

	"github.com/carverauto/factoryops/pkg/models"
)

const listCandidateRulesSQL = `
SELECT r.id, r.factory_id, r.name, COALESCE(r.description, ''),
	r.scope, r.conditions, r.cooldown_minutes, r.is_active,
	r.schedule_type, r.schedule_config, r.severity, r.notification_channels,
	COALESCE(
		(SELECT array_agg(rd.device_id) FROM rule_devices rd WHERE rd.rule_id = r.id),
		'{}'
	) AS device_ids
FROM rules r
WHERE r.factory_id = $1
	AND r.is_active = TRUE
	AND (
		r.scope = 'global'
		OR EXISTS (
			SELECT 1 FROM rule_devices rd
			WHERE rd.rule_id = r.id AND rd.device_id = $2
		)
	)
ORDER BY r.id`

// ListCandidateRules returns the active rules that apply to one device:
// every global rule of the factory plus the device-scoped rules that
// reference it. Device-scoped rules with no devices never match anything
// and are rejected upstream at validation.
func (db *DB) ListCandidateRules(ctx context.Context, factoryID, deviceID int64) ([]*models.Rule, error) {
	rows, err := db.pool.Query(ctx, listCandidateRulesSQL, factoryID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.Rule

	for rows.Next() {
		var (
			r            models.Rule
			conditionsJS []byte
			scheduleJS   []byte
			channelsJS   []byte
		)

		err := rows.Scan(&r.ID, &r.FactoryID, &r.Name, &r.Description,
			&r.Scope, &conditionsJS, &r.CooldownMinutes, &r.IsActive,
			&r.ScheduleType, &scheduleJS, &r.Severity, &channelsJS,
			&r.DeviceIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		r.Conditions = &models.ConditionNode{}
		if err := json.Unmarshal(conditionsJS, r.Conditions); err != nil {
			// A malformed stored tree skips this rule, not the whole set.
			db.log.Warn().
				Err(err).
				Int64("rule_id", r.ID).
				Int64("factory_id", factoryID).
				Msg("rule has malformed condition tree, skipping")

			continue
		}

		if len(scheduleJS) > 0 {
			r.ScheduleConfig = &models.ScheduleConfig{}
			if err := json.Unmarshal(scheduleJS, r.ScheduleConfig); err != nil {
				db.log.Warn().
					Err(err).
					Int64("rule_id", r.ID).
					Msg("rule has malformed schedule config, skipping")

				continue
			}
		}

		if len(channelsJS) > 0 {
			if err := json.Unmarshal(channelsJS, &r.NotificationChannels); err != nil {
				db.log.Warn().
					Err(err).
					Int64("rule_id", r.ID).
					Msg("rule has malformed notification channels")
			}
		}

		if r.Scope == models.ScopeDevice && len(r.DeviceIDs) == 0 {
			db.log.Warn().
				Int64("rule_id", r.ID).
				Msg("device-scoped rule has no devices, skipping")

			continue
		}

		rules = append(rules, &r)
	}

	return rules, rows.Err()
}
