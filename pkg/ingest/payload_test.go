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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(`{
		"timestamp": "2026-08-24T10:15:00Z",
		"metrics": {"temperature": 105.2, "rpm": 1800}
	}`))
	require.NoError(t, err)

	require.NotNil(t, p.Timestamp)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC), p.Timestamp.UTC())
	assert.Len(t, p.Metrics, 2)
}

func TestParsePayloadWithoutTimestamp(t *testing.T) {
	p, err := ParsePayload([]byte(`{"metrics": {"temperature": 99}}`))
	require.NoError(t, err)
	assert.Nil(t, p.Timestamp)
}

func TestParsePayloadZonelessTimestampIsUTC(t *testing.T) {
	p, err := ParsePayload([]byte(`{
		"timestamp": "2026-08-24T10:15:00",
		"metrics": {"temperature": 99}
	}`))
	require.NoError(t, err)

	require.NotNil(t, p.Timestamp)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC), *p.Timestamp)
}

func TestParsePayloadOffsetTimestampNormalized(t *testing.T) {
	p, err := ParsePayload([]byte(`{
		"timestamp": "2026-08-24T15:45:00+05:30",
		"metrics": {"temperature": 99}
	}`))
	require.NoError(t, err)

	require.NotNil(t, p.Timestamp)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC), *p.Timestamp)
}

func TestParsePayloadRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "telemetry!"},
		{"empty metrics", `{"metrics": {}}`},
		{"missing metrics", `{"timestamp": "2026-08-24T10:15:00Z"}`},
		{"string metric value", `{"metrics": {"status": "running"}}`},
		{"bool metric value", `{"metrics": {"on": true}}`},
		{"null metric value", `{"metrics": {"temperature": null}}`},
		{"nested metric value", `{"metrics": {"temperature": {"v": 1}}}`},
		{"batched array payload", `[{"metrics": {"temperature": 99}}]`},
		{"bad timestamp", `{"timestamp": "yesterday", "metrics": {"temperature": 99}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}
