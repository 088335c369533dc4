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

package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/carverauto/factoryops/pkg/models"
)

// RuleSource loads the active rules relevant to one device.
type RuleSource interface {
	ListCandidateRules(ctx context.Context, factoryID, deviceID int64) ([]*models.Rule, error)
}

// ruleCacheTTL bounds staleness when an invalidation notice is missed.
const ruleCacheTTL = 60 * time.Second

type ruleKey struct {
	factoryID int64
	deviceID  int64
}

type ruleEntry struct {
	rules   []*models.Rule
	expires time.Time
}

// ruleCache keeps the candidate rule set per (factory, device) in process.
// Entries expire on TTL and are dropped eagerly when a rule-change notice
// arrives over the shared cache's pub/sub channel.
type ruleCache struct {
	src    RuleSource
	flight singleflight.Group
	now    func() time.Time

	mu      sync.RWMutex
	entries map[ruleKey]ruleEntry
}

func newRuleCache(src RuleSource) *ruleCache {
	return &ruleCache{
		src:     src,
		now:     time.Now,
		entries: make(map[ruleKey]ruleEntry),
	}
}

func (c *ruleCache) Get(ctx context.Context, factoryID, deviceID int64) ([]*models.Rule, error) {
	key := ruleKey{factoryID, deviceID}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expires) {
		return entry.rules, nil
	}

	v, err, _ := c.flight.Do(flightKey(factoryID, deviceID), func() (interface{}, error) {
		rules, err := c.src.ListCandidateRules(ctx, factoryID, deviceID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = ruleEntry{rules: rules, expires: c.now().Add(ruleCacheTTL)}
		c.mu.Unlock()

		return rules, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]*models.Rule), nil
}

// InvalidateFactory drops every cached rule set for the factory. Rule CRUD
// is factory-scoped, so the whole tenant is evicted.
func (c *ruleCache) InvalidateFactory(factoryID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.factoryID == factoryID {
			delete(c.entries, key)
		}
	}
}

func flightKey(factoryID, deviceID int64) string {
	return fmt.Sprintf("%d/%d", factoryID, deviceID)
}
