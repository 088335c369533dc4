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
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTopic = errors.New("invalid telemetry topic")

const maxKeyLength = 100

// ParseTopic extracts (factory slug, device key) from a telemetry topic of
// the form factories/{slug}/devices/{device_key}/telemetry. Literals are
// case-sensitive; anything else is rejected.
func ParseTopic(topic string) (slug, deviceKey string, err error) {
	parts := strings.Split(topic, "/")

	if len(parts) != 5 {
		return "", "", fmt.Errorf("%w: expected 5 segments, got %d", ErrInvalidTopic, len(parts))
	}

	if parts[0] != "factories" || parts[2] != "devices" || parts[4] != "telemetry" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	slug, deviceKey = parts[1], parts[3]

	if slug == "" || len(slug) > maxKeyLength {
		return "", "", fmt.Errorf("%w: bad factory slug", ErrInvalidTopic)
	}

	if deviceKey == "" || len(deviceKey) > maxKeyLength {
		return "", "", fmt.Errorf("%w: bad device key", ErrInvalidTopic)
	}

	return slug, deviceKey, nil
}
