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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/factoryops/pkg/logger"
)

func TestLastSeenDebounceCoalesces(t *testing.T) {
	store := &fakeSeenStore{}
	mirror := &fakeMirror{}
	d := newLastSeenDebouncer(store, mirror, 50*time.Millisecond, time.Second, logger.NewTestLogger())

	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// Three observations inside one window: one relational write, three
	// mirror refreshes.
	d.Observe(ctx, 7, 42, base)
	d.Observe(ctx, 7, 42, base.Add(2*time.Second))
	d.Observe(ctx, 7, 42, base.Add(time.Second))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return store.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, base.Add(2*time.Second), store.seen[42])
	store.mu.Unlock()

	assert.Equal(t, 3, mirror.calls)
}

func TestLastSeenDrainFlushesPending(t *testing.T) {
	store := &fakeSeenStore{}
	d := newLastSeenDebouncer(store, nil, time.Hour, time.Second, logger.NewTestLogger())

	seen := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	d.Observe(context.Background(), 7, 42, seen)

	// The window is far away; Drain must not wait for it.
	d.Drain()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, seen, store.seen[42])
}

type blockingSeenStore struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSeenStore) UpdateLastSeen(_ context.Context, _, _ int64, _ time.Time) error {
	close(b.entered)
	<-b.release

	return nil
}

func TestLastSeenDrainWaitsForInflightFlush(t *testing.T) {
	store := &blockingSeenStore{entered: make(chan struct{}), release: make(chan struct{})}
	d := newLastSeenDebouncer(store, nil, time.Millisecond, time.Second, logger.NewTestLogger())

	d.Observe(context.Background(), 7, 42, time.Now())

	// The debounce timer fired and its flush is blocked in the store
	// write.
	<-store.entered

	drained := make(chan struct{})
	go func() {
		d.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned while a flush was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return")
	}
}

func TestLastSeenSeparateDevices(t *testing.T) {
	store := &fakeSeenStore{}
	d := newLastSeenDebouncer(store, nil, 20*time.Millisecond, time.Second, logger.NewTestLogger())

	ctx := context.Background()
	seen := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	d.Observe(ctx, 7, 42, seen)
	d.Observe(ctx, 7, 43, seen)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return store.calls == 2
	}, 2*time.Second, 5*time.Millisecond)
}
