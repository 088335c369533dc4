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

package timeseries

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/carverauto/factoryops/pkg/logger"
	"github.com/carverauto/factoryops/pkg/models"
)

type fakePointWriter struct {
	mu     sync.Mutex
	points []*write.Point
	writes int
	fail   int // fail this many writes before succeeding
}

func (f *fakePointWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++

	if f.fail > 0 {
		f.fail--

		return errors.New("influx unavailable")
	}

	f.points = append(f.points, points...)

	return nil
}

func (f *fakePointWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.points)
}

func sample(deviceID int64, ts time.Time) *models.TelemetrySample {
	return &models.TelemetrySample{
		FactoryID: 7,
		DeviceID:  deviceID,
		Metrics:   models.Metrics{"temperature": {Float: 105.2}},
		Timestamp: ts,
	}
}

func newTestWriter(t *testing.T, points PointWriter, cfg Config) *Writer {
	t.Helper()

	w, err := NewWriter(points, cfg, logger.NewTestLogger())
	require.NoError(t, err)

	return w
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	pw := &fakePointWriter{}
	w := newTestWriter(t, pw, Config{BatchSize: 3, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	ts := time.Now()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Add(ctx, sample(i, ts)))
	}

	require.Eventually(t, func() bool {
		return pw.count() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriterFlushesOnInterval(t *testing.T) {
	pw := &fakePointWriter{}
	w := newTestWriter(t, pw, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	require.NoError(t, w.Add(ctx, sample(1, time.Now())))

	require.Eventually(t, func() bool {
		return pw.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriterStopDrains(t *testing.T) {
	pw := &fakePointWriter{}
	w := newTestWriter(t, pw, Config{BatchSize: 100, FlushInterval: time.Hour})

	ctx := context.Background()
	w.Start(ctx)

	require.NoError(t, w.Add(ctx, sample(1, time.Now())))
	require.NoError(t, w.Add(ctx, sample(2, time.Now())))

	w.Stop()

	assert.Equal(t, 2, pw.count())
}

func TestWriterStopDrainsAfterContextCancel(t *testing.T) {
	pw := &fakePointWriter{}
	w := newTestWriter(t, pw, Config{BatchSize: 100, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	require.NoError(t, w.Add(context.Background(), sample(1, time.Now())))
	require.NoError(t, w.Add(context.Background(), sample(2, time.Now())))

	// A signal cancels the run context, but accepted samples still leave
	// through Stop.
	cancel()
	w.Stop()

	assert.Equal(t, 2, pw.count())
}

func TestWriterClampsFutureTimestamps(t *testing.T) {
	pw := &fakePointWriter{}
	w := newTestWriter(t, pw, Config{BatchSize: 10, FlushInterval: time.Hour})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	s := sample(1, now.Add(time.Hour))
	require.NoError(t, w.Add(context.Background(), s))

	assert.True(t, s.Clamped)
	assert.Equal(t, now, s.Timestamp)

	// Slight skew within five minutes is kept as claimed.
	s2 := sample(2, now.Add(2*time.Minute))
	require.NoError(t, w.Add(context.Background(), s2))
	assert.False(t, s2.Clamped)
	assert.Equal(t, now.Add(2*time.Minute), s2.Timestamp)

	w.Stop()
}

func TestWriterZeroTimestampGetsNow(t *testing.T) {
	pw := &fakePointWriter{}
	w := newTestWriter(t, pw, Config{BatchSize: 10, FlushInterval: time.Hour})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	s := sample(1, time.Time{})
	require.NoError(t, w.Add(context.Background(), s))
	assert.Equal(t, now, s.Timestamp)

	w.Stop()
}

func TestWriterRejectsEmptySample(t *testing.T) {
	w := newTestWriter(t, &fakePointWriter{}, Config{})

	err := w.Add(context.Background(), &models.TelemetrySample{})
	assert.Error(t, err)
}

func TestWriterRetriesThenSucceeds(t *testing.T) {
	pw := &fakePointWriter{fail: 2}
	w := newTestWriter(t, pw, Config{BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	require.NoError(t, w.Add(ctx, sample(1, time.Now())))

	require.Eventually(t, func() bool {
		return pw.count() == 1
	}, 10*time.Second, 20*time.Millisecond)

	pw.mu.Lock()
	defer pw.mu.Unlock()
	assert.Equal(t, 3, pw.writes)
}

func TestWriterSpoolsAfterRetryCap(t *testing.T) {
	dir := t.TempDir()

	pw := &fakePointWriter{fail: 100}
	w := newTestWriter(t, pw, Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		SpoolDir:      dir,
	})

	w.flushWithRetry(context.Background(), []*models.TelemetrySample{sample(1, time.Now())})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSpoolDrainOldestFirst(t *testing.T) {
	dir := t.TempDir()

	sp, err := newSpool(dir, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, sp.put([]*models.TelemetrySample{sample(1, time.Now())}))
	require.NoError(t, sp.put([]*models.TelemetrySample{sample(2, time.Now())}))

	var drained []int64

	sp.drain(context.Background(), func(batch []*models.TelemetrySample) error {
		drained = append(drained, batch[0].DeviceID)

		return nil
	})

	assert.Equal(t, []int64{1, 2}, drained)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSpoolDrainStopsOnFailure(t *testing.T) {
	dir := t.TempDir()

	sp, err := newSpool(dir, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, sp.put([]*models.TelemetrySample{sample(1, time.Now())}))
	require.NoError(t, sp.put([]*models.TelemetrySample{sample(2, time.Now())}))

	calls := 0
	sp.drain(context.Background(), func(_ []*models.TelemetrySample) error {
		calls++

		return errors.New("still down")
	})

	assert.Equal(t, 1, calls)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriterShedMetricExported(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	// No spool configured, so the exhausted batch is shed and counted.
	pw := &fakePointWriter{fail: 100}
	w := newTestWriter(t, pw, Config{BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 1})

	w.flushWithRetry(context.Background(), []*models.TelemetrySample{sample(1, time.Now())})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := false

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == metricSamplesShed {
				found = true
			}
		}
	}

	assert.True(t, found, "shed counter not exported")
}

func TestToPointShape(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC)
	p := toPoint(&models.TelemetrySample{
		FactoryID: 7,
		DeviceID:  42,
		Metrics: models.Metrics{
			"temperature": {Float: 105.2},
			"rpm":         {IsInt: true, Int: 1800},
		},
		Timestamp: ts,
	})

	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, ts, p.Time())

	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}

	assert.Equal(t, "7", tags["factory_id"])
	assert.Equal(t, "42", tags["device_id"])

	fields := make(map[string]interface{})
	for _, field := range p.FieldList() {
		fields[field.Key] = field.Value
	}

	assert.InDelta(t, 105.2, fields["temperature"].(float64), 1e-9)
	assert.InDelta(t, 1800.0, fields["rpm"].(float64), 1e-9)
}
