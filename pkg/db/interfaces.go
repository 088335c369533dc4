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
	"time"

	"github.com/carverauto/factoryops/pkg/models"
)

// Store is the relational surface the core depends on. Factory-owned reads
// and writes all take factory_id explicitly.
type Store interface {
	// Factories.
	GetFactoryBySlug(ctx context.Context, slug string) (*models.Factory, error)
	GetFactoryByID(ctx context.Context, factoryID int64) (*models.Factory, error)

	// Devices.
	GetDeviceByKey(ctx context.Context, factoryID int64, deviceKey string) (*models.Device, error)
	CreateDevice(ctx context.Context, factoryID int64, deviceKey string) (*models.Device, error)
	GetDevice(ctx context.Context, factoryID, deviceID int64) (*models.Device, error)
	ListActiveDevices(ctx context.Context, factoryID int64) ([]*models.Device, error)
	UpdateLastSeen(ctx context.Context, factoryID, deviceID int64, seen time.Time) error

	// Parameters.
	ListParameterKeys(ctx context.Context, factoryID, deviceID int64) ([]string, error)
	UpsertParameters(ctx context.Context, params []*models.DeviceParameter) ([]string, error)

	// Rules.
	ListCandidateRules(ctx context.Context, factoryID, deviceID int64) ([]*models.Rule, error)

	// Alerts and cooldowns.
	GetCooldown(ctx context.Context, ruleID, deviceID int64) (*models.RuleCooldown, error)
	CreateAlertWithCooldown(ctx context.Context, alert *models.Alert, cooldown time.Duration) (int64, error)
	ResolveAlert(ctx context.Context, factoryID, alertID int64, resolvedAt time.Time) error
	CountActiveAlerts(ctx context.Context, factoryID int64) (map[models.Severity]int, error)

	Close()
}
