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

package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// InvalidationChannel is the pub/sub channel CRUD writers publish on so
// worker processes drop stale identity and rule caches within seconds.
const InvalidationChannel = "factoryops:invalidate"

type InvalidationKind string

const (
	InvalidateFactory InvalidationKind = "factory"
	InvalidateDevice  InvalidationKind = "device"
	InvalidateRules   InvalidationKind = "rules"
)

// Invalidation is one CRUD change notice.
type Invalidation struct {
	Kind      InvalidationKind `json:"kind"`
	FactoryID int64            `json:"factory_id"`
	Slug      string           `json:"slug,omitempty"`
	DeviceID  int64            `json:"device_id,omitempty"`
	DeviceKey string           `json:"device_key,omitempty"`
}

// PublishInvalidation announces a CRUD change and drops the affected shared
// keys so no worker re-reads them stale.
func (c *Cache) PublishInvalidation(ctx context.Context, inv Invalidation) error {
	switch inv.Kind {
	case InvalidateFactory:
		if inv.Slug != "" {
			_ = c.client.Del(ctx, slugKey(inv.Slug)).Err()
		}
	case InvalidateDevice:
		if inv.DeviceKey != "" {
			_ = c.client.Del(ctx, deviceKey(inv.FactoryID, inv.DeviceKey)).Err()
		}

		if inv.DeviceID != 0 {
			_ = c.client.Del(ctx, paramsKey(inv.DeviceID)).Err()
		}
	case InvalidateRules:
		// Rule sets live in-process; the notice alone evicts them.
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal invalidation: %w", err)
	}

	if err := c.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		return fmt.Errorf("cache: failed to publish invalidation: %w", err)
	}

	return nil
}

// SubscribeInvalidations delivers CRUD change notices until ctx ends.
// Malformed messages are logged and skipped.
func (c *Cache) SubscribeInvalidations(ctx context.Context) (<-chan Invalidation, error) {
	sub := c.client.Subscribe(ctx, InvalidationChannel)

	// Force the subscription before handing back the channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()

		return nil, fmt.Errorf("cache: failed to subscribe invalidations: %w", err)
	}

	out := make(chan Invalidation, 16)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					c.log.Warn().Err(err).Str("payload", msg.Payload).Msg("bad invalidation message")

					continue
				}

				select {
				case out <- inv:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
