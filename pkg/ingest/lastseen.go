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

package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LastSeenStore persists the monotonic last_seen column.
type LastSeenStore interface {
	UpdateLastSeen(ctx context.Context, factoryID, deviceID int64, seen time.Time) error
}

// LastSeenMirror keeps the shared-cache copy for hot reads.
type LastSeenMirror interface {
	SetLastSeen(ctx context.Context, deviceID int64, seen time.Time) error
}

// lastSeenDebouncer coalesces last_seen writes per device: hot devices get
// one relational write per debounce window instead of one per message. The
// cache mirror is refreshed on every observation.
type lastSeenDebouncer struct {
	store    LastSeenStore
	mirror   LastSeenMirror
	debounce time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[int64]*pendingSeen
	wg      sync.WaitGroup
}

type pendingSeen struct {
	factoryID int64
	latest    time.Time
	timer     *time.Timer
}

func newLastSeenDebouncer(store LastSeenStore, mirror LastSeenMirror, debounce, timeout time.Duration, log zerolog.Logger) *lastSeenDebouncer {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}

	return &lastSeenDebouncer{
		store:    store,
		mirror:   mirror,
		debounce: debounce,
		timeout:  timeout,
		log:      log,
		pending:  make(map[int64]*pendingSeen),
	}
}

// Observe notes a sighting. The relational write happens at most once per
// debounce window per device, carrying the latest timestamp seen.
func (d *lastSeenDebouncer) Observe(ctx context.Context, factoryID, deviceID int64, seen time.Time) {
	if d.mirror != nil {
		if err := d.mirror.SetLastSeen(ctx, deviceID, seen); err != nil {
			d.log.Warn().Err(err).Int64("device_id", deviceID).Msg("last_seen mirror update failed")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[deviceID]
	if !ok {
		p = &pendingSeen{factoryID: factoryID}
		d.pending[deviceID] = p
	}

	if seen.After(p.latest) {
		p.latest = seen
	}

	if p.timer != nil {
		return
	}

	d.wg.Add(1)
	p.timer = time.AfterFunc(d.debounce, func() {
		defer d.wg.Done()
		d.flush(deviceID)
	})
}

func (d *lastSeenDebouncer) flush(deviceID int64) {
	d.mu.Lock()
	p, ok := d.pending[deviceID]
	if !ok {
		d.mu.Unlock()

		return
	}

	delete(d.pending, deviceID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.store.UpdateLastSeen(ctx, p.factoryID, deviceID, p.latest); err != nil {
		// Best effort; the next window retries with a newer timestamp.
		d.log.Warn().Err(err).Int64("device_id", deviceID).Msg("last_seen update failed")
	}
}

// Drain flushes every pending device immediately and waits for any
// timer-driven flush already in flight. Called on shutdown.
func (d *lastSeenDebouncer) Drain() {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.pending))

	for id, p := range d.pending {
		ids = append(ids, id)

		// A stopped timer releases its wait slot here; one that already
		// fired is joined by the Wait below.
		if p.timer != nil && p.timer.Stop() {
			d.wg.Done()
		}
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.flush(id)
	}

	d.wg.Wait()
}
