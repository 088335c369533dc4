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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// deadLetter appends messages that exhausted their retries to a local
// JSON-lines file for operator inspection.
type deadLetter struct {
	path string
	mu   sync.Mutex
}

type deadLetterRecord struct {
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	DroppedAt time.Time `json:"dropped_at"`
}

func newDeadLetter(dir string) (*deadLetter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ingest: failed to create dead-letter dir: %w", err)
	}

	return &deadLetter{path: filepath.Join(dir, "telemetry.jsonl")}, nil
}

func (d *deadLetter) write(topic string, payload []byte, reason string, attempts int) error {
	record, err := json.Marshal(deadLetterRecord{
		Topic:     topic,
		Payload:   string(payload),
		Reason:    reason,
		Attempts:  attempts,
		DroppedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to marshal dead-letter record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("ingest: failed to open dead-letter file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("ingest: failed to append dead-letter record: %w", err)
	}

	return nil
}
