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

// Package timeseries buffers validated telemetry samples and flushes them
// to InfluxDB in batches. Write semantics are at-least-once; under
// persistent store failure batches spill to a local spool and, past its
// bound, the oldest unflushed samples are shed. Availability over
// completeness.
package timeseries

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/carverauto/factoryops/pkg/models"
)

const (
	// Measurement holding all telemetry points, tagged by factory and
	// device.
	Measurement = "telemetry"

	// maxFutureSkew is how far ahead of the ingesting clock a message
	// timestamp may be before it is clamped to now.
	maxFutureSkew = 5 * time.Minute

	retryBase   = 250 * time.Millisecond
	retryCap    = 30 * time.Second
	retryJitter = 0.25
)

// PointWriter is the InfluxDB surface the writer needs; satisfied by the
// client's blocking write API.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

var _ PointWriter = (influxapi.WriteAPIBlocking)(nil)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	MaxRetries    int
	SpoolDir      string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}

	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Writer is the buffering time-series writer. One flusher goroutine keeps
// per-device ordering: samples enter a single FIFO and leave in batches in
// arrival order.
type Writer struct {
	cfg    Config
	points PointWriter
	spool  *spool
	log    zerolog.Logger
	now    func() time.Time

	in   chan *models.TelemetrySample
	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient builds the InfluxDB blocking write API for the configured
// deployment.
func NewClient(url, token, org, bucket string) (influxdb2.Client, influxapi.WriteAPIBlocking) {
	client := influxdb2.NewClient(url, token)

	return client, client.WriteAPIBlocking(org, bucket)
}

func NewWriter(points PointWriter, cfg Config, log zerolog.Logger) (*Writer, error) {
	cfg.applyDefaults()

	var (
		sp  *spool
		err error
	)

	if cfg.SpoolDir != "" {
		sp, err = newSpool(cfg.SpoolDir, log)
		if err != nil {
			return nil, err
		}
	}

	return &Writer{
		cfg:    cfg,
		points: points,
		spool:  sp,
		log:    log,
		now:    time.Now,
		in:     make(chan *models.TelemetrySample, cfg.BatchSize*4),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the flusher and, when a spool is configured, the drainer.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)

	if w.spool != nil {
		w.wg.Add(1)
		go w.drainSpool(ctx)
	}
}

// Add accepts one sample, clamping future timestamps. It blocks while the
// buffer is full, which propagates back-pressure to the consume loop.
func (w *Writer) Add(ctx context.Context, sample *models.TelemetrySample) error {
	if len(sample.Metrics) == 0 {
		return fmt.Errorf("timeseries: sample without metrics")
	}

	now := w.now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	} else if sample.Timestamp.After(now.Add(maxFutureSkew)) {
		w.log.Warn().
			Int64("factory_id", sample.FactoryID).
			Int64("device_id", sample.DeviceID).
			Time("claimed", sample.Timestamp).
			Msg("sample timestamp too far in the future, clamping")

		sample.Timestamp = now
		sample.Clamped = true
	}

	select {
	case w.in <- sample:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("timeseries: writer stopped")
	}
}

// Stop drains the buffer, flushes what remains and returns.
func (w *Writer) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	batch := make([]*models.TelemetrySample, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		w.flushWithRetry(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case sample := <-w.in:
			batch = append(batch, sample)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			// Drain whatever arrived before shutdown. The flusher never
			// exits on ctx alone: cancellation only shortens retries, so
			// accepted samples survive a signal and leave through Stop.
			for {
				select {
				case sample := <-w.in:
					batch = append(batch, sample)
				default:
					flush()

					return
				}
			}
		}
	}
}

// flushWithRetry writes one batch, backing off on failure. After the retry
// cap the batch moves to the spool (or is shed when no spool is
// configured).
func (w *Writer) flushWithRetry(ctx context.Context, batch []*models.TelemetrySample) {
	points := make([]*write.Point, 0, len(batch))
	for _, sample := range batch {
		points = append(points, toPoint(sample))
	}

	var lastErr error

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		flushCtx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
		err := w.points.WritePoint(flushCtx, points...)
		cancel()

		if err == nil {
			w.log.Debug().Int("points", len(points)).Msg("time-series batch flushed")

			return
		}

		lastErr = err
		delay := retryDelay(attempt)

		w.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("points", len(points)).
			Dur("backoff", delay).
			Msg("time-series flush failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			attempt = w.cfg.MaxRetries // give up retrying, go spool
		case <-w.done:
			attempt = w.cfg.MaxRetries
		}
	}

	if w.spool != nil {
		if err := w.spool.put(batch); err != nil {
			w.log.Error().Err(err).Int("samples", len(batch)).Msg("spool rejected batch, samples shed")
			recordShed(ctx, len(batch))

			return
		}

		recordSpooled(ctx, len(batch))

		return
	}

	w.log.Error().
		Err(lastErr).
		Int("samples", len(batch)).
		Msg("no spool configured, samples shed")
	recordShed(ctx, len(batch))
}

func (w *Writer) drainSpool(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.spool.drain(ctx, func(batch []*models.TelemetrySample) error {
				points := make([]*write.Point, 0, len(batch))
				for _, sample := range batch {
					points = append(points, toPoint(sample))
				}

				flushCtx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
				defer cancel()

				return w.points.WritePoint(flushCtx, points...)
			})
		}
	}
}

func toPoint(sample *models.TelemetrySample) *write.Point {
	fields := make(map[string]interface{}, len(sample.Metrics))
	for key, value := range sample.Metrics {
		fields[key] = value.AsFloat()
	}

	return influxdb2.NewPoint(Measurement,
		map[string]string{
			"factory_id": strconv.FormatInt(sample.FactoryID, 10),
			"device_id":  strconv.FormatInt(sample.DeviceID, 10),
		},
		fields,
		sample.Timestamp.UTC(),
	)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryCap {
			delay = retryCap

			break
		}
	}

	jitter := 1 - retryJitter + 2*retryJitter*rand.Float64()

	return time.Duration(float64(delay) * jitter)
}
