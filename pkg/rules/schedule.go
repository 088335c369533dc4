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
	"time"

	"github.com/carverauto/factoryops/pkg/models"
)

// IsScheduled reports whether the rule's schedule admits firing at now,
// always evaluated in the factory's timezone. Malformed schedule config
// gates the rule closed.
func IsScheduled(rule *models.Rule, now time.Time, tz *time.Location) bool {
	if tz == nil {
		tz = time.UTC
	}

	local := now.In(tz)

	switch rule.ScheduleType {
	case models.ScheduleAlways, "":
		return true
	case models.ScheduleTimeWindow:
		return inTimeWindow(rule.ScheduleConfig, local)
	case models.ScheduleDateRange:
		return inDateRange(rule.ScheduleConfig, local)
	default:
		return false
	}
}

func inTimeWindow(cfg *models.ScheduleConfig, local time.Time) bool {
	if cfg == nil {
		return false
	}

	if len(cfg.Days) > 0 && !containsDay(cfg.Days, isoWeekday(local)) {
		return false
	}

	start, ok := parseMinutes(cfg.StartTime)
	if !ok {
		return false
	}

	end, ok := parseMinutes(cfg.EndTime)
	if !ok {
		return false
	}

	tod := local.Hour()*60 + local.Minute()

	// end < start means the window wraps past midnight.
	if end < start {
		return tod >= start || tod <= end
	}

	return tod >= start && tod <= end
}

func inDateRange(cfg *models.ScheduleConfig, local time.Time) bool {
	if cfg == nil {
		return false
	}

	start, err := time.ParseInLocation("2006-01-02", cfg.StartDate, local.Location())
	if err != nil {
		return false
	}

	end, err := time.ParseInLocation("2006-01-02", cfg.EndDate, local.Location())
	if err != nil {
		return false
	}

	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())

	return !date.Before(start) && !date.After(end)
}

// isoWeekday maps Go's Sunday-first weekday onto ISO 1=Monday .. 7=Sunday,
// the numbering rule schedules use.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}

	return wd
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}

	return false
}

// parseMinutes parses "HH:MM" into minutes since midnight.
func parseMinutes(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}

	return t.Hour()*60 + t.Minute(), true
}
