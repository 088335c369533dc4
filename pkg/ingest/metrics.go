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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName                 = "factoryops.ingest"
	metricRuleDispatchDropped = "ingest_rule_dispatch_dropped_total"
	metricDeadLettered        = "ingest_dead_letter_total"
)

// instrumentation handles are cached to avoid re-registering OTEL
// instruments on every call.
//
//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
var (
	meterOnce              sync.Once
	dispatchDroppedCounter metric.Int64Counter
	deadLetteredCounter    metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	dropped, err := meter.Int64Counter(
		metricRuleDispatchDropped,
		metric.WithDescription("Rule-eval dispatches shed under queue back-pressure"),
	)
	if err != nil {
		otel.Handle(err)
	}
	dispatchDroppedCounter = dropped

	dead, err := meter.Int64Counter(
		metricDeadLettered,
		metric.WithDescription("Telemetry messages dead-lettered after exhausting retries"),
	)
	if err != nil {
		otel.Handle(err)
	}
	deadLetteredCounter = dead
}

func recordRuleDispatchDropped(ctx context.Context) {
	meterOnce.Do(initMeter)
	if dispatchDroppedCounter == nil {
		return
	}

	dispatchDroppedCounter.Add(ctx, 1)
}

func recordDeadLettered(ctx context.Context) {
	meterOnce.Do(initMeter)
	if deadLetteredCounter == nil {
		return
	}

	deadLetteredCounter.Add(ctx, 1)
}
