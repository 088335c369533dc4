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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/factoryops/pkg/models"
)

var ErrInvalidPayload = errors.New("invalid telemetry payload")

// Payload is one validated telemetry message.
type Payload struct {
	// Timestamp is the message time, nil when the publisher sent none.
	Timestamp *time.Time
	Metrics   models.Metrics
}

type rawPayload struct {
	Timestamp string         `json:"timestamp"`
	Metrics   models.Metrics `json:"metrics"`
}

// ParsePayload validates the UTF-8 JSON body: optional RFC 3339 timestamp
// (UTC assumed when the zone is absent) and a non-empty metrics object of
// finite numbers. Batched arrays and non-numeric values are invalid.
func ParsePayload(data []byte) (*Payload, error) {
	var raw rawPayload

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	if len(raw.Metrics) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, models.ErrMetricsEmpty)
	}

	p := &Payload{Metrics: raw.Metrics}

	if raw.Timestamp != "" {
		ts, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidPayload, raw.Timestamp)
		}

		p.Timestamp = &ts
	}

	return p, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}

	// No zone designator; the publisher's clock is taken as UTC.
	ts, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}

	return ts, nil
}
