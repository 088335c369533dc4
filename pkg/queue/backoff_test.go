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

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBounds(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{8, 30 * time.Second}, // capped
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			delay := BackoffDelay(tt.attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(tt.base)*0.75),
				"attempt %d", tt.attempt)
			assert.LessOrEqual(t, delay, time.Duration(float64(tt.base)*1.25),
				"attempt %d", tt.attempt)
		}
	}
}

func TestBackoffDelayClampsAttempt(t *testing.T) {
	// Attempts below 1 behave like the first.
	delay := BackoffDelay(0)
	assert.GreaterOrEqual(t, delay, time.Duration(float64(250*time.Millisecond)*0.75))
	assert.LessOrEqual(t, delay, time.Duration(float64(250*time.Millisecond)*1.25))
}

func TestDefaultConcurrency(t *testing.T) {
	assert.Equal(t, 4, DefaultConcurrency(RuleEngine))
	assert.Equal(t, 4, DefaultConcurrency(Notifications))
	assert.Equal(t, 2, DefaultConcurrency(Analytics))
	assert.Equal(t, 2, DefaultConcurrency(Reporting))
	assert.Equal(t, 1, DefaultConcurrency("unknown"))
}

func TestQueueNaming(t *testing.T) {
	assert.Equal(t, "WORKQ_RULE_ENGINE", streamName(RuleEngine))
	assert.Equal(t, "tasks.rule_engine", taskSubject(RuleEngine))
	assert.Equal(t, "dlq.rule_engine", dlqSubject(RuleEngine))
	assert.True(t, knownQueue(Notifications))
	assert.False(t, knownQueue("telemetry"))
}
