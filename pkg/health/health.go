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

// Package health derives per-device freshness and per-factory health
// summaries from last-seen timestamps and active alert counts. All
// computations are read-only.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/factoryops/pkg/models"
)

const (
	// DefaultOnlineWindow is how recently a device must have reported to
	// count as online.
	DefaultOnlineWindow = 10 * time.Minute

	// DefaultStalenessThreshold marks data stale well before the device is
	// considered offline.
	DefaultStalenessThreshold = 60 * time.Second
)

// Store is the relational surface the computer reads.
type Store interface {
	ListActiveDevices(ctx context.Context, factoryID int64) ([]*models.Device, error)
	CountActiveAlerts(ctx context.Context, factoryID int64) (map[models.Severity]int, error)
}

// LastSeenMirror serves hot last-seen reads ahead of the relational copy.
type LastSeenMirror interface {
	GetLastSeen(ctx context.Context, deviceID int64) (time.Time, bool, error)
}

// DeviceStatus is one device's freshness view.
type DeviceStatus struct {
	DeviceID  int64      `json:"device_id"`
	DeviceKey string     `json:"device_key"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Online    bool       `json:"online"`
	Stale     bool       `json:"stale"`
}

// Summary is one factory's health snapshot.
type Summary struct {
	FactoryID      int64                   `json:"factory_id"`
	TotalDevices   int                     `json:"total_devices"`
	OnlineDevices  int                     `json:"online_devices"`
	OfflineDevices int                     `json:"offline_devices"`
	ActiveAlerts   map[models.Severity]int `json:"active_alerts"`
	Score          int                     `json:"score"`
	Devices        []DeviceStatus          `json:"devices"`
	ComputedAt     time.Time               `json:"computed_at"`
}

type Computer struct {
	store  Store
	mirror LastSeenMirror
	log    zerolog.Logger

	onlineWindow time.Duration
	staleAfter   time.Duration
	now          func() time.Time
}

func NewComputer(store Store, mirror LastSeenMirror, onlineWindow, staleAfter time.Duration, log zerolog.Logger) *Computer {
	if onlineWindow <= 0 {
		onlineWindow = DefaultOnlineWindow
	}

	if staleAfter <= 0 {
		staleAfter = DefaultStalenessThreshold
	}

	return &Computer{
		store:        store,
		mirror:       mirror,
		log:          log,
		onlineWindow: onlineWindow,
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

// IsOnline reports whether a last-seen timestamp falls inside the online
// window. A nil last-seen is offline.
func (c *Computer) IsOnline(lastSeen *time.Time, now time.Time) bool {
	return lastSeen != nil && now.Sub(*lastSeen) <= c.onlineWindow
}

// IsStale reports whether the device's data is older than the staleness
// threshold. Never-seen devices are stale.
func (c *Computer) IsStale(lastSeen *time.Time, now time.Time) bool {
	return lastSeen == nil || now.Sub(*lastSeen) > c.staleAfter
}

// Summarize builds the factory health snapshot. The cache mirror, when
// present, overrides the relational last_seen where it holds a newer value;
// the debounced relational write can lag by the debounce window.
func (c *Computer) Summarize(ctx context.Context, factoryID int64) (*Summary, error) {
	devices, err := c.store.ListActiveDevices(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	alerts, err := c.store.CountActiveAlerts(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()

	s := &Summary{
		FactoryID:    factoryID,
		TotalDevices: len(devices),
		ActiveAlerts: alerts,
		Devices:      make([]DeviceStatus, 0, len(devices)),
		ComputedAt:   now,
	}

	for _, dev := range devices {
		lastSeen := c.effectiveLastSeen(ctx, dev)

		status := DeviceStatus{
			DeviceID:  dev.ID,
			DeviceKey: dev.DeviceKey,
			LastSeen:  lastSeen,
			Online:    c.IsOnline(lastSeen, now),
			Stale:     c.IsStale(lastSeen, now),
		}

		if status.Online {
			s.OnlineDevices++
		} else {
			s.OfflineDevices++
		}

		s.Devices = append(s.Devices, status)
	}

	s.Score = Score(alerts[models.SeverityCritical], alerts[models.SeverityHigh], s.OfflineDevices)

	return s, nil
}

func (c *Computer) effectiveLastSeen(ctx context.Context, dev *models.Device) *time.Time {
	lastSeen := dev.LastSeen

	if c.mirror == nil {
		return lastSeen
	}

	mirrored, ok, err := c.mirror.GetLastSeen(ctx, dev.ID)
	if err != nil {
		c.log.Warn().Err(err).Int64("device_id", dev.ID).Msg("last_seen mirror read failed")

		return lastSeen
	}

	if ok && (lastSeen == nil || mirrored.After(*lastSeen)) {
		return &mirrored
	}

	return lastSeen
}

// Score maps alert and offline counts to a 0..100 health score: each
// critical alert costs 5 points, each high alert 2, each offline device 1.
func Score(critical, high, offline int) int {
	score := 100 - 5*critical - 2*high - offline

	if score < 0 {
		return 0
	}

	if score > 100 {
		return 100
	}

	return score
}
