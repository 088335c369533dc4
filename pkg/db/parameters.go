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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/factoryops/pkg/models"
)

const (
	listParameterKeysSQL = `
SELECT parameter_key
FROM device_parameters
WHERE factory_id = $1 AND device_id = $2
ORDER BY parameter_key`

	// Idempotent: concurrent coordinator workers inserting the same key
	// leave exactly one row. RETURNING only fires for rows actually
	// inserted, which is how newly discovered keys are reported.
	upsertParameterSQL = `
INSERT INTO device_parameters
	(factory_id, device_id, parameter_key, display_name, data_type, is_kpi_selected, discovered_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6)
ON CONFLICT (device_id, parameter_key) DO NOTHING
RETURNING parameter_key`
)

func (db *DB) ListParameterKeys(ctx context.Context, factoryID, deviceID int64) ([]string, error) {
	rows, err := db.pool.Query(ctx, listParameterKeysSQL, factoryID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameter keys: %w", err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan parameter key: %w", err)
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// UpsertParameters persists any parameters not yet on record and returns
// the keys that were newly inserted.
func (db *DB) UpsertParameters(ctx context.Context, params []*models.DeviceParameter) ([]string, error) {
	if len(params) == 0 {
		return nil, nil
	}

	var inserted []string

	err := db.withRetry(ctx, "upsert_parameters", func(ctx context.Context) error {
		inserted = inserted[:0]

		for _, p := range params {
			if p.ParameterKey == "" {
				return ErrParameterKeyEmpty
			}

			var key string

			err := db.pool.QueryRow(ctx, upsertParameterSQL,
				p.FactoryID, p.DeviceID, p.ParameterKey, p.DisplayName, p.DataType, p.DiscoveredAt).
				Scan(&key)
			if errors.Is(err, pgx.ErrNoRows) {
				continue // another worker got there first
			}

			if err != nil {
				return fmt.Errorf("failed to upsert parameter %s: %w", p.ParameterKey, err)
			}

			inserted = append(inserted, key)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return inserted, nil
}
