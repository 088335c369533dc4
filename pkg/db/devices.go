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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/factoryops/pkg/models"
)

const (
	getDeviceByKeySQL = `
SELECT id, factory_id, device_key,
	COALESCE(name, ''), COALESCE(manufacturer, ''), COALESCE(model, ''), COALESCE(region, ''),
	is_active, last_seen
FROM devices
WHERE factory_id = $1 AND device_key = $2`

	getDeviceByIDSQL = `
SELECT id, factory_id, device_key,
	COALESCE(name, ''), COALESCE(manufacturer, ''), COALESCE(model, ''), COALESCE(region, ''),
	is_active, last_seen
FROM devices
WHERE factory_id = $1 AND id = $2`

	listActiveDevicesSQL = `
SELECT id, factory_id, device_key,
	COALESCE(name, ''), COALESCE(manufacturer, ''), COALESCE(model, ''), COALESCE(region, ''),
	is_active, last_seen
FROM devices
WHERE factory_id = $1 AND is_active = TRUE
ORDER BY id`

	insertDeviceSQL = `
INSERT INTO devices (factory_id, device_key, is_active)
VALUES ($1, $2, TRUE)
ON CONFLICT (factory_id, device_key) DO NOTHING
RETURNING id`

	// last_seen only moves forward; stale redeliveries never rewind it.
	updateLastSeenSQL = `
UPDATE devices
SET last_seen = $3
WHERE factory_id = $1 AND id = $2 AND (last_seen IS NULL OR last_seen < $3)`
)

func (db *DB) GetDeviceByKey(ctx context.Context, factoryID int64, deviceKey string) (*models.Device, error) {
	if deviceKey == "" {
		return nil, ErrDeviceKeyRequired
	}

	return db.scanDevice(ctx, getDeviceByKeySQL, factoryID, deviceKey)
}

func (db *DB) GetDevice(ctx context.Context, factoryID, deviceID int64) (*models.Device, error) {
	return db.scanDevice(ctx, getDeviceByIDSQL, factoryID, deviceID)
}

// CreateDevice auto-registers a device on first sighting. If a concurrent
// worker wins the insert race the existing row is re-read, so the returned
// device is the one row for (factory_id, device_key) either way.
func (db *DB) CreateDevice(ctx context.Context, factoryID int64, deviceKey string) (*models.Device, error) {
	if factoryID == 0 {
		return nil, ErrFactoryIDRequired
	}

	if deviceKey == "" {
		return nil, ErrDeviceKeyRequired
	}

	var id int64

	err := db.pool.QueryRow(ctx, insertDeviceSQL, factoryID, deviceKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || IsUniqueViolation(err) {
		return db.GetDeviceByKey(ctx, factoryID, deviceKey)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}

	db.log.Info().
		Int64("factory_id", factoryID).
		Int64("device_id", id).
		Str("device_key", deviceKey).
		Msg("device auto-registered")

	return &models.Device{
		ID:        id,
		FactoryID: factoryID,
		DeviceKey: deviceKey,
		IsActive:  true,
	}, nil
}

func (db *DB) ListActiveDevices(ctx context.Context, factoryID int64) ([]*models.Device, error) {
	rows, err := db.pool.Query(ctx, listActiveDevicesSQL, factoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device

	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}

		devices = append(devices, d)
	}

	return devices, rows.Err()
}

func (db *DB) UpdateLastSeen(ctx context.Context, factoryID, deviceID int64, seen time.Time) error {
	return db.withRetry(ctx, "update_last_seen", func(ctx context.Context) error {
		_, err := db.pool.Exec(ctx, updateLastSeenSQL, factoryID, deviceID, seen.UTC())
		if err != nil {
			return fmt.Errorf("failed to update last_seen: %w", err)
		}

		return nil
	})
}

func (db *DB) scanDevice(ctx context.Context, query string, args ...interface{}) (*models.Device, error) {
	row := db.pool.QueryRow(ctx, query, args...)

	d, err := scanDeviceRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}

	return d, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceRow(row rowScanner) (*models.Device, error) {
	var d models.Device

	err := row.Scan(&d.ID, &d.FactoryID, &d.DeviceKey,
		&d.Name, &d.Manufacturer, &d.Model, &d.Region,
		&d.IsActive, &d.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	return &d, nil
}
