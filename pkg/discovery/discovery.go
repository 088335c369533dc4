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

// Package discovery reconciles incoming metric keys with persisted
// DeviceParameter records, creating missing ones idempotently.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/factoryops/pkg/models"
)

// KeySet caches the known parameter keys per device.
type KeySet interface {
	ParameterKeys(ctx context.Context, factoryID, deviceID int64) (map[string]struct{}, error)
	AddParameterKeys(ctx context.Context, deviceID int64, keys []string)
}

// Store persists parameter rows.
type Store interface {
	UpsertParameters(ctx context.Context, params []*models.DeviceParameter) ([]string, error)
}

type Discoverer struct {
	keys  KeySet
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(keys KeySet, store Store, log zerolog.Logger) *Discoverer {
	return &Discoverer{keys: keys, store: store, log: log, now: time.Now}
}

// Discover ensures every metric key in the message has a DeviceParameter
// row. Safe to call on every message and under concurrent workers; the
// upsert inserts each (device, key) pair at most once.
func (d *Discoverer) Discover(ctx context.Context, factoryID, deviceID int64, metrics models.Metrics) error {
	known, err := d.keys.ParameterKeys(ctx, factoryID, deviceID)
	if err != nil {
		return fmt.Errorf("discovery: failed to load known keys: %w", err)
	}

	var params []*models.DeviceParameter

	for key, value := range metrics {
		if _, ok := known[key]; ok {
			continue
		}

		params = append(params, &models.DeviceParameter{
			FactoryID:     factoryID,
			DeviceID:      deviceID,
			ParameterKey:  key,
			DisplayName:   displayName(key),
			DataType:      value.DataType(),
			IsKPISelected: true,
			DiscoveredAt:  d.now().UTC(),
		})
	}

	if len(params) == 0 {
		return nil
	}

	inserted, err := d.store.UpsertParameters(ctx, params)
	if err != nil {
		return fmt.Errorf("discovery: upsert failed: %w", err)
	}

	for _, key := range inserted {
		d.log.Info().
			Int64("factory_id", factoryID).
			Int64("device_id", deviceID).
			Str("parameter", key).
			Msg("parameter discovered")
	}

	// Cache every key that is now on record, not only the ones this
	// worker inserted.
	newKeys := make([]string, 0, len(params))
	for _, p := range params {
		newKeys = append(newKeys, p.ParameterKey)
	}

	d.keys.AddParameterKeys(ctx, deviceID, newKeys)

	return nil
}

// displayName turns a metric key into its default display form, e.g.
// "voltage_l1" → "Voltage L1".
func displayName(key string) string {
	words := strings.Split(strings.ReplaceAll(key, "_", " "), " ")

	for i, w := range words {
		if w == "" {
			continue
		}

		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}

	return strings.Join(words, " ")
}
