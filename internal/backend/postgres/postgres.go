// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides a PostgreSQL backend for shared deployments.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/pkg/flow"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is a PostgreSQL storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	// ConnectionString is a lib/pq DSN or postgres:// URL.
	ConnectionString string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New connects to PostgreSQL and applies migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flow_records (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			state JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_records_status ON flow_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_records_updated_at ON flow_records(updated_at)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ReadFlowRecord retrieves a record by flow ID.
func (b *Backend) ReadFlowRecord(ctx context.Context, id string) (*backend.FlowRecord, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, status, state, created_at, updated_at
		FROM flow_records WHERE id = $1
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow record: %w", err)
	}
	return rec, nil
}

// WriteFlowRecord upserts the patched fields.
func (b *Backend) WriteFlowRecord(ctx context.Context, id string, patch *backend.RecordPatch) error {
	var stateJSON []byte
	if patch.State != nil {
		data, err := json.Marshal(patch.State)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		stateJSON = data
	}
	now := patch.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO flow_records (id, name, status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), flow_records.name),
			status = COALESCE(NULLIF(EXCLUDED.status, ''), flow_records.status),
			state = COALESCE(EXCLUDED.state, flow_records.state),
			updated_at = EXCLUDED.updated_at
	`, id, patch.Name, string(patch.Status), nullJSON(stateJSON), now)
	if err != nil {
		return fmt.Errorf("failed to write flow record: %w", err)
	}
	return nil
}

// ListFlowRecords lists records, most recently updated first.
func (b *Backend) ListFlowRecords(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	query := `SELECT id, name, status, state, created_at, updated_at FROM flow_records WHERE 1=1`
	args := []any{}
	argNum := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow records: %w", err)
	}
	defer rows.Close()

	var out []*backend.FlowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFlowRecord deletes a record.
func (b *Backend) DeleteFlowRecord(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM flow_records WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete flow record: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*backend.FlowRecord, error) {
	var rec backend.FlowRecord
	var status string
	var stateJSON []byte

	if err := s.Scan(&rec.ID, &rec.Name, &status, &stateJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = flow.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if len(stateJSON) > 0 {
		var state flow.ExecutionState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		rec.State = &state
	}
	return &rec, nil
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
