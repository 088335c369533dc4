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

package db

import "errors"

var (

	// Not-found errors. Cross-tenant reads surface these, never a
	// permission error.

	ErrFactoryNotFound = errors.New("factory not found")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrAlertNotFound   = errors.New("alert not found")

	// Validation errors.

	ErrDeviceKeyRequired = errors.New("device key is required")
	ErrFactoryIDRequired = errors.New("factory id is required")
	ErrParameterKeyEmpty = errors.New("parameter key is required")
	ErrCooldownPairNil   = errors.New("cooldown rule and device ids are required")

	// ErrCooldownActive means a concurrent worker advanced the cooldown
	// marker first; the alert insert was skipped.
	ErrCooldownActive = errors.New("alert suppressed by active cooldown")
)
