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

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		transient bool
	}{
		{
			name:      "nil",
			err:       nil,
			transient: false,
		},
		{
			name:      "deadlock pg error",
			err:       &pgconn.PgError{Code: "40P01"},
			code:      "40P01",
			transient: true,
		},
		{
			name:      "serialization failure",
			err:       &pgconn.PgError{Code: "40001"},
			code:      "40001",
			transient: true,
		},
		{
			name:      "statement timeout",
			err:       &pgconn.PgError{Code: "57014"},
			code:      "57014",
			transient: true,
		},
		{
			name:      "too many connections",
			err:       &pgconn.PgError{Code: "53300"},
			code:      "53300",
			transient: true,
		},
		{
			name:      "unique violation is permanent",
			err:       &pgconn.PgError{Code: "23505"},
			code:      "23505",
			transient: false,
		},
		{
			name:      "wrapped pg error",
			err:       fmt.Errorf("insert alert: %w", &pgconn.PgError{Code: "40P01"}),
			code:      "40P01",
			transient: true,
		},
		{
			name:      "string deadlock fallback",
			err:       errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"),
			code:      "40P01",
			transient: true,
		},
		{
			name:      "connection refused",
			err:       errors.New("dial tcp 10.0.0.1:5432: connection refused"),
			transient: true,
		},
		{
			name:      "plain error is permanent",
			err:       errors.New("syntax error at or near SELECT"),
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, transient := ClassifyError(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.transient, transient)
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("create device: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsUniqueViolation(errors.New("duplicate key value")))
	assert.False(t, IsUniqueViolation(nil))
}
