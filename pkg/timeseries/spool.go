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

package timeseries

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carverauto/factoryops/pkg/models"
)

// maxSpoolFiles bounds the overflow buffer. When full, the oldest spooled
// batch is shed to make room for the newest.
const maxSpoolFiles = 256

// spool persists failed batches to local stable storage so they survive a
// restart and can be drained when the store recovers.
type spool struct {
	dir string
	log zerolog.Logger
	mu  sync.Mutex
}

func newSpool(dir string, log zerolog.Logger) (*spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("timeseries: failed to create spool dir: %w", err)
	}

	return &spool{dir: dir, log: log}, nil
}

func (s *spool) put(batch []*models.TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.list()
	if err != nil {
		return err
	}

	if len(files) >= maxSpoolFiles {
		oldest := files[0]

		s.log.Warn().Str("file", oldest).Msg("spool full, shedding oldest batch")

		if err := os.Remove(filepath.Join(s.dir, oldest)); err != nil {
			return fmt.Errorf("timeseries: failed to shed spool file: %w", err)
		}
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("timeseries: failed to marshal spool batch: %w", err)
	}

	// Sortable name: timestamp prefix keeps drain order oldest-first.
	name := fmt.Sprintf("%020d-%s.json", nowUnixNano(), uuid.New().String())
	tmp := filepath.Join(s.dir, name+".tmp")

	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("timeseries: failed to write spool file: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("timeseries: failed to commit spool file: %w", err)
	}

	s.log.Warn().Int("samples", len(batch)).Str("file", name).Msg("batch spooled to disk")

	return nil
}

// drain retries spooled batches oldest-first, stopping at the first
// failure so a still-down store is probed once per cycle.
func (s *spool) drain(ctx context.Context, write func([]*models.TelemetrySample) error) {
	s.mu.Lock()
	files, err := s.list()
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("failed to list spool")

		return
	}

	for _, name := range files {
		if ctx.Err() != nil {
			return
		}

		path := filepath.Join(s.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("failed to read spool file, removing")
			_ = os.Remove(path)

			continue
		}

		var batch []*models.TelemetrySample
		if err := json.Unmarshal(data, &batch); err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("corrupt spool file, removing")
			_ = os.Remove(path)

			continue
		}

		if err := write(batch); err != nil {
			s.log.Debug().Err(err).Str("file", name).Msg("spool drain attempt failed")

			return
		}

		if err := os.Remove(path); err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("failed to remove drained spool file")

			return
		}

		s.log.Info().Int("samples", len(batch)).Str("file", name).Msg("spooled batch drained")
	}
}

func nowUnixNano() int64 {
	return time.Now().UnixNano()
}

func (s *spool) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("timeseries: failed to read spool dir: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}
