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
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes for transient errors that should be retried.
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateStatementTimeout    = "57014"
	sqlstateTooManyConnections  = "53300"

	sqlstateUniqueViolation = "23505"
)

const (
	maxRetryAttempts = 3
	baseBackoff      = 150 * time.Millisecond
)

// ClassifyError returns the SQLSTATE code of err and whether it is a
// transient condition worth retrying.
func ClassifyError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed,
			sqlstateStatementTimeout, sqlstateTooManyConnections:
			return pgErr.Code, true
		}

		return pgErr.Code, false
	}

	// Fallback to string matching for wrapped errors.
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "40p01"), strings.Contains(msg, "deadlock detected"):
		return sqlstateDeadlockDetected, true
	case strings.Contains(msg, "40001"), strings.Contains(msg, "could not serialize access"):
		return sqlstateSerializationFailed, true
	case strings.Contains(msg, "57014"), strings.Contains(msg, "statement timeout"):
		return sqlstateStatementTimeout, true
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return "", true
	default:
		return "", false
	}
}

// IsUniqueViolation reports whether err is a unique-constraint conflict,
// the signal that a concurrent writer won an insert race.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateUniqueViolation
	}

	return false
}

// withRetry runs op, retrying transient errors with exponential backoff and
// jitter. Permanent errors surface immediately.
func (db *DB) withRetry(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		code, transient := ClassifyError(err)
		if !transient {
			return err
		}

		lastErr = err

		delay := baseBackoff * time.Duration(1<<(attempt-1))
		delay += time.Duration(time.Now().UnixNano() % int64(baseBackoff))

		db.log.Warn().
			Err(err).
			Str("op", name).
			Str("sqlstate", code).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient database error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}
