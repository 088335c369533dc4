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
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/factoryops/pkg/models"
)

const (
	getFactoryBySlugSQL = `
SELECT id, slug, name, timezone, created_at
FROM factories
WHERE slug = $1`

	getFactoryByIDSQL = `
SELECT id, slug, name, timezone, created_at
FROM factories
WHERE id = $1`
)

func (db *DB) GetFactoryBySlug(ctx context.Context, slug string) (*models.Factory, error) {
	return db.scanFactory(ctx, getFactoryBySlugSQL, slug)
}

func (db *DB) GetFactoryByID(ctx context.Context, factoryID int64) (*models.Factory, error) {
	return db.scanFactory(ctx, getFactoryByIDSQL, factoryID)
}

func (db *DB) scanFactory(ctx context.Context, query string, arg interface{}) (*models.Factory, error) {
	var f models.Factory

	err := db.pool.QueryRow(ctx, query, arg).
		Scan(&f.ID, &f.Slug, &f.Name, &f.Timezone, &f.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFactoryNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query factory: %w", err)
	}

	return &f, nil
}
