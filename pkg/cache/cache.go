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

// Package cache is the shared-cache layer on Redis. It holds identity
// lookups, discovered parameter sets and last-seen mirrors, and carries
// invalidation fan-out between the API service and the core workers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// negativeSentinel marks a slug or device key known to be absent.
	// Held briefly so floods of unknown topics do not hammer Postgres.
	negativeSentinel = "-1"

	DefaultTTL  = time.Hour
	ParamsTTL   = 10 * time.Minute
	NegativeTTL = 30 * time.Second
	LastSeenTTL = 2 * time.Minute
)

type Cache struct {
	client *redis.Client
	log    zerolog.Logger
}

func New(ctx context.Context, redisURL string, log zerolog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("cache: ping failed: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("connected to shared cache")

	return &Cache{client: client, log: log}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func slugKey(slug string) string {
	return "slug:" + slug
}

func deviceKey(factoryID int64, key string) string {
	return fmt.Sprintf("dev:%d:%s", factoryID, key)
}

func paramsKey(deviceID int64) string {
	return fmt.Sprintf("params:%d", deviceID)
}

func lastSeenKey(deviceID int64) string {
	return fmt.Sprintf("last_seen:%d", deviceID)
}

// GetFactoryID resolves slug → factory id. The second return is true when
// the cache held an answer, including the negative "known absent" one, in
// which case the id is 0.
func (c *Cache) GetFactoryID(ctx context.Context, slug string) (int64, bool, error) {
	return c.getID(ctx, slugKey(slug))
}

func (c *Cache) SetFactoryID(ctx context.Context, slug string, factoryID int64) error {
	return c.client.Set(ctx, slugKey(slug), strconv.FormatInt(factoryID, 10), DefaultTTL).Err()
}

func (c *Cache) SetUnknownFactory(ctx context.Context, slug string) error {
	return c.client.Set(ctx, slugKey(slug), negativeSentinel, NegativeTTL).Err()
}

func (c *Cache) GetDeviceID(ctx context.Context, factoryID int64, key string) (int64, bool, error) {
	return c.getID(ctx, deviceKey(factoryID, key))
}

func (c *Cache) SetDeviceID(ctx context.Context, factoryID int64, key string, deviceID int64) error {
	return c.client.Set(ctx, deviceKey(factoryID, key), strconv.FormatInt(deviceID, 10), DefaultTTL).Err()
}

// GetParameterKeys returns the cached parameter key set for a device. found
// is false when the set has expired or was never populated.
func (c *Cache) GetParameterKeys(ctx context.Context, deviceID int64) ([]string, bool, error) {
	keys, err := c.client.SMembers(ctx, paramsKey(deviceID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache: failed to read parameter set: %w", err)
	}

	if len(keys) == 0 {
		return nil, false, nil
	}

	return keys, true, nil
}

func (c *Cache) AddParameterKeys(ctx context.Context, deviceID int64, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}

	key := paramsKey(deviceID)

	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ParamsTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: failed to add parameter keys: %w", err)
	}

	return nil
}

// SetLastSeen mirrors devices.last_seen for hot dashboard reads.
func (c *Cache) SetLastSeen(ctx context.Context, deviceID int64, seen time.Time) error {
	return c.client.Set(ctx, lastSeenKey(deviceID), seen.UTC().Format(time.RFC3339Nano), LastSeenTTL).Err()
}

func (c *Cache) GetLastSeen(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	raw, err := c.client.Get(ctx, lastSeenKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("cache: failed to read last_seen: %w", err)
	}

	seen, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}

	return seen, true, nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) getID(ctx context.Context, key string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("cache: failed to read %s: %w", key, err)
	}

	if raw == negativeSentinel {
		return 0, true, nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Poisoned entry; treat as a miss and let write-through repair it.
		c.log.Warn().Str("key", key).Str("value", raw).Msg("cache entry not an id, dropping")
		_ = c.client.Del(ctx, key).Err()

		return 0, false, nil
	}

	return id, true, nil
}
