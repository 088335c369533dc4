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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName            = "factoryops.timeseries"
	metricSamplesSpooled = "timeseries_samples_spooled_total"
	metricSamplesShed    = "timeseries_samples_shed_total"
)

//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
var (
	meterOnce      sync.Once
	spooledCounter metric.Int64Counter
	shedCounter    metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	spooled, err := meter.Int64Counter(
		metricSamplesSpooled,
		metric.WithDescription("Samples written to the local spool after the flush retry cap"),
	)
	if err != nil {
		otel.Handle(err)
	}
	spooledCounter = spooled

	shed, err := meter.Int64Counter(
		metricSamplesShed,
		metric.WithDescription("Samples lost because no spool was available"),
	)
	if err != nil {
		otel.Handle(err)
	}
	shedCounter = shed
}

func recordSpooled(ctx context.Context, count int) {
	meterOnce.Do(initMeter)
	if spooledCounter == nil || count == 0 {
		return
	}

	spooledCounter.Add(ctx, int64(count))
}

func recordShed(ctx context.Context, count int) {
	meterOnce.Do(initMeter)
	if shedCounter == nil || count == 0 {
		return
	}

	shedCounter.Add(ctx, int64(count))
}
