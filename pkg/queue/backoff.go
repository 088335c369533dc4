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
	"math/rand"
	"time"
)

const (
	backoffBase   = 250 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	backoffJitter = 0.25
)

// BackoffDelay returns the retry delay for the given attempt (1-based):
// exponential from 250 ms, capped at 30 s, with ±25% jitter.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= backoffCap {
			delay = backoffCap

			break
		}
	}

	jitter := 1 - backoffJitter + 2*backoffJitter*rand.Float64()

	return time.Duration(float64(delay) * jitter)
}
