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

// Package identity resolves factory slugs, device keys and parameter sets
// with bounded memory. Lookups go in-process map → shared cache → Postgres,
// write through on miss, and coalesce concurrent misses per key.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/carverauto/factoryops/pkg/db"
	"github.com/carverauto/factoryops/pkg/models"
)

var (
	ErrUnknownFactory = errors.New("unknown factory slug")
	// ErrUnknownDevice surfaces only when device auto-creation is disabled
	// by configuration; the default path registers the device instead.
	ErrUnknownDevice = errors.New("unknown device key")
)

const (
	factoryTTL  = time.Hour
	deviceTTL   = time.Hour
	paramsTTL   = 10 * time.Minute
	negativeTTL = 30 * time.Second
)

// Store is the relational slice the resolver needs.
type Store interface {
	GetFactoryBySlug(ctx context.Context, slug string) (*models.Factory, error)
	GetDeviceByKey(ctx context.Context, factoryID int64, deviceKey string) (*models.Device, error)
	CreateDevice(ctx context.Context, factoryID int64, deviceKey string) (*models.Device, error)
	ListParameterKeys(ctx context.Context, factoryID, deviceID int64) ([]string, error)
}

// Shared is the shared-cache slice the resolver needs.
type Shared interface {
	GetFactoryID(ctx context.Context, slug string) (int64, bool, error)
	SetFactoryID(ctx context.Context, slug string, factoryID int64) error
	SetUnknownFactory(ctx context.Context, slug string) error
	GetDeviceID(ctx context.Context, factoryID int64, key string) (int64, bool, error)
	SetDeviceID(ctx context.Context, factoryID int64, key string, deviceID int64) error
	GetParameterKeys(ctx context.Context, deviceID int64) ([]string, bool, error)
	AddParameterKeys(ctx context.Context, deviceID int64, keys ...string) error
}

type Resolver struct {
	store      Store
	shared     Shared
	log        zerolog.Logger
	autoCreate bool

	flight singleflight.Group

	mu    sync.Mutex
	local map[string]localEntry

	now func() time.Time
}

type localEntry struct {
	value   interface{}
	expires time.Time
}

func NewResolver(store Store, shared Shared, autoCreate bool, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		shared:     shared,
		log:        log,
		autoCreate: autoCreate,
		local:      make(map[string]localEntry),
		now:        time.Now,
	}
}

// ResolveFactory maps a topic slug onto a factory id. Unknown slugs are
// negative-cached briefly and reported as ErrUnknownFactory.
func (r *Resolver) ResolveFactory(ctx context.Context, slug string) (int64, error) {
	key := "slug:" + slug

	if v, ok := r.localGet(key); ok {
		id := v.(int64)
		if id == 0 {
			return 0, ErrUnknownFactory
		}

		return id, nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		return r.loadFactory(ctx, slug, key)
	})
	if err != nil {
		return 0, err
	}

	return v.(int64), nil
}

func (r *Resolver) loadFactory(ctx context.Context, slug, key string) (int64, error) {
	if id, found, err := r.shared.GetFactoryID(ctx, slug); err != nil {
		r.log.Warn().Err(err).Str("slug", slug).Msg("shared cache read failed, falling through")
	} else if found {
		if id == 0 {
			r.localPut(key, int64(0), negativeTTL)

			return 0, ErrUnknownFactory
		}

		r.localPut(key, id, factoryTTL)

		return id, nil
	}

	factory, err := r.store.GetFactoryBySlug(ctx, slug)
	if err != nil {
		if isNotFound(err) {
			r.localPut(key, int64(0), negativeTTL)

			if cerr := r.shared.SetUnknownFactory(ctx, slug); cerr != nil {
				r.log.Warn().Err(cerr).Str("slug", slug).Msg("failed to negative-cache slug")
			}

			return 0, ErrUnknownFactory
		}

		return 0, fmt.Errorf("identity: factory lookup failed: %w", err)
	}

	r.localPut(key, factory.ID, factoryTTL)

	if cerr := r.shared.SetFactoryID(ctx, slug, factory.ID); cerr != nil {
		r.log.Warn().Err(cerr).Str("slug", slug).Msg("failed to write through factory id")
	}

	return factory.ID, nil
}

// ResolveDevice maps (factory, device key) onto a device id, registering
// the device on first sighting unless auto-create is disabled.
func (r *Resolver) ResolveDevice(ctx context.Context, factoryID int64, deviceKey string) (int64, error) {
	key := fmt.Sprintf("dev:%d:%s", factoryID, deviceKey)

	if v, ok := r.localGet(key); ok {
		return v.(int64), nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		return r.loadDevice(ctx, factoryID, deviceKey, key)
	})
	if err != nil {
		return 0, err
	}

	return v.(int64), nil
}

func (r *Resolver) loadDevice(ctx context.Context, factoryID int64, deviceKey, key string) (int64, error) {
	if id, found, err := r.shared.GetDeviceID(ctx, factoryID, deviceKey); err != nil {
		r.log.Warn().Err(err).Str("device_key", deviceKey).Msg("shared cache read failed, falling through")
	} else if found && id != 0 {
		r.localPut(key, id, deviceTTL)

		return id, nil
	}

	device, err := r.store.GetDeviceByKey(ctx, factoryID, deviceKey)
	if err != nil && isNotFound(err) {
		if !r.autoCreate {
			return 0, ErrUnknownDevice
		}

		device, err = r.store.CreateDevice(ctx, factoryID, deviceKey)
	}

	if err != nil {
		return 0, fmt.Errorf("identity: device lookup failed: %w", err)
	}

	r.localPut(key, device.ID, deviceTTL)

	if cerr := r.shared.SetDeviceID(ctx, factoryID, deviceKey, device.ID); cerr != nil {
		r.log.Warn().Err(cerr).Str("device_key", deviceKey).Msg("failed to write through device id")
	}

	return device.ID, nil
}

// ParameterKeys returns the known parameter key set for a device. The set
// short-circuits discovery for metric keys already on record.
func (r *Resolver) ParameterKeys(ctx context.Context, factoryID, deviceID int64) (map[string]struct{}, error) {
	key := fmt.Sprintf("params:%d", deviceID)

	if v, ok := r.localGet(key); ok {
		return v.(map[string]struct{}), nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		if keys, found, err := r.shared.GetParameterKeys(ctx, deviceID); err != nil {
			r.log.Warn().Err(err).Int64("device_id", deviceID).Msg("shared cache read failed, falling through")
		} else if found {
			set := toSet(keys)
			r.localPut(key, set, paramsTTL)

			return set, nil
		}

		keys, err := r.store.ListParameterKeys(ctx, factoryID, deviceID)
		if err != nil {
			return nil, fmt.Errorf("identity: parameter keys lookup failed: %w", err)
		}

		set := toSet(keys)
		r.localPut(key, set, paramsTTL)

		if len(keys) > 0 {
			if cerr := r.shared.AddParameterKeys(ctx, deviceID, keys...); cerr != nil {
				r.log.Warn().Err(cerr).Int64("device_id", deviceID).Msg("failed to write through parameter keys")
			}
		}

		return set, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]struct{}), nil
}

// AddParameterKeys records newly discovered keys in both cache tiers.
func (r *Resolver) AddParameterKeys(ctx context.Context, deviceID int64, keys []string) {
	if len(keys) == 0 {
		return
	}

	localKey := fmt.Sprintf("params:%d", deviceID)

	r.mu.Lock()
	if entry, ok := r.local[localKey]; ok && r.now().Before(entry.expires) {
		set := entry.value.(map[string]struct{})
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	r.mu.Unlock()

	if err := r.shared.AddParameterKeys(ctx, deviceID, keys...); err != nil {
		r.log.Warn().Err(err).Int64("device_id", deviceID).Msg("failed to publish discovered keys")
	}
}

// Invalidate drops in-process entries for a CRUD change notice. The shared
// tier is cleared by the publisher.
func (r *Resolver) Invalidate(slug string, factoryID, deviceID int64, deviceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slug != "" {
		delete(r.local, "slug:"+slug)
	}

	if deviceKey != "" {
		delete(r.local, fmt.Sprintf("dev:%d:%s", factoryID, deviceKey))
	}

	if deviceID != 0 {
		delete(r.local, fmt.Sprintf("params:%d", deviceID))
	}
}

func (r *Resolver) localGet(key string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.local[key]
	if !ok {
		return nil, false
	}

	if r.now().After(entry.expires) {
		delete(r.local, key)

		return nil, false
	}

	return entry.value, true
}

func (r *Resolver) localPut(key string, value interface{}, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.local[key] = localEntry{value: value, expires: r.now().Add(ttl)}
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	return set
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrFactoryNotFound) || errors.Is(err, db.ErrDeviceNotFound)
}
