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

package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/factoryops/pkg/models"
)

func kolkata(t *testing.T) *time.Location {
	t.Helper()

	tz, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	return tz
}

func TestIsScheduledAlways(t *testing.T) {
	rule := &models.Rule{ScheduleType: models.ScheduleAlways}
	assert.True(t, IsScheduled(rule, time.Now(), time.UTC))

	// Empty schedule type behaves like always.
	rule = &models.Rule{}
	assert.True(t, IsScheduled(rule, time.Now(), nil))
}

func TestIsScheduledTimeWindow(t *testing.T) {
	rule := &models.Rule{
		ScheduleType: models.ScheduleTimeWindow,
		ScheduleConfig: &models.ScheduleConfig{
			StartTime: "22:00",
			EndTime:   "06:00",
		},
	}

	tz := kolkata(t)

	tests := []struct {
		name     string
		utc      time.Time
		expected bool
	}{
		// 23:30 IST, inside the wrapped night window.
		{"late evening", time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC), true},
		// 03:00 IST, still inside past midnight.
		{"early morning", time.Date(2026, 8, 24, 21, 30, 0, 0, time.UTC), true},
		// 12:00 IST, outside.
		{"midday", time.Date(2026, 8, 24, 6, 30, 0, 0, time.UTC), false},
		// Boundaries are inclusive: exactly 22:00 IST.
		{"window start", time.Date(2026, 8, 24, 16, 30, 0, 0, time.UTC), true},
		// Exactly 06:00 IST.
		{"window end", time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsScheduled(rule, tt.utc, tz))
		})
	}
}

func TestIsScheduledTimeWindowDays(t *testing.T) {
	rule := &models.Rule{
		ScheduleType: models.ScheduleTimeWindow,
		ScheduleConfig: &models.ScheduleConfig{
			StartTime: "09:00",
			EndTime:   "17:00",
			Days:      []int{6, 7}, // weekends only
		},
	}

	// 2026-08-24 is a Monday, 2026-08-23 a Sunday. Noon UTC in both cases.
	assert.False(t, IsScheduled(rule, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), time.UTC))
	assert.True(t, IsScheduled(rule, time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), time.UTC))
}

func TestIsScheduledDateRange(t *testing.T) {
	rule := &models.Rule{
		ScheduleType: models.ScheduleDateRange,
		ScheduleConfig: &models.ScheduleConfig{
			StartDate: "2026-08-01",
			EndDate:   "2026-08-31",
		},
	}

	assert.True(t, IsScheduled(rule, time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC), time.UTC))
	// Range ends are inclusive.
	assert.True(t, IsScheduled(rule, time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC), time.UTC))
	assert.False(t, IsScheduled(rule, time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC), time.UTC))
}

func TestIsScheduledDateRangeUsesLocalDate(t *testing.T) {
	rule := &models.Rule{
		ScheduleType: models.ScheduleDateRange,
		ScheduleConfig: &models.ScheduleConfig{
			StartDate: "2026-08-25",
			EndDate:   "2026-08-25",
		},
	}

	// 20:00 UTC on the 24th is already 01:30 IST on the 25th.
	now := time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)
	assert.False(t, IsScheduled(rule, now, time.UTC))
	assert.True(t, IsScheduled(rule, now, kolkata(t)))
}

func TestIsScheduledMalformedConfigGatesClosed(t *testing.T) {
	tests := []struct {
		name string
		rule *models.Rule
	}{
		{
			name: "time window without config",
			rule: &models.Rule{ScheduleType: models.ScheduleTimeWindow},
		},
		{
			name: "bad start time",
			rule: &models.Rule{
				ScheduleType:   models.ScheduleTimeWindow,
				ScheduleConfig: &models.ScheduleConfig{StartTime: "9am", EndTime: "17:00"},
			},
		},
		{
			name: "date range without config",
			rule: &models.Rule{ScheduleType: models.ScheduleDateRange},
		},
		{
			name: "bad end date",
			rule: &models.Rule{
				ScheduleType:   models.ScheduleDateRange,
				ScheduleConfig: &models.ScheduleConfig{StartDate: "2026-08-01", EndDate: "soon"},
			},
		},
		{
			name: "unknown schedule type",
			rule: &models.Rule{ScheduleType: "lunar"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, IsScheduled(tt.rule, time.Now(), time.UTC))
		})
	}
}
