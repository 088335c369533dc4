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

package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitializeMetricsDisabledWithoutEndpoint(t *testing.T) {
	_, err := InitializeMetrics(context.Background(), MetricsConfig{ServiceName: "test"})
	assert.ErrorIs(t, err, ErrOTelMetricsDisabled)
}

func TestShutdownMetricsWithoutInit(t *testing.T) {
	assert.NoError(t, ShutdownMetrics(context.Background()))
}
