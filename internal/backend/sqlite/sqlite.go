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

// Package sqlite provides a SQLite backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/pkg/flow"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database at cfg.Path and applies migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flow_records (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			state TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
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
		FROM flow_records WHERE id = ?
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
	stateJSON, err := marshalState(patch.State)
	if err != nil {
		return err
	}
	now := patch.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ts := formatTime(now)

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO flow_records (id, name, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN flow_records.name ELSE excluded.name END,
			status = CASE WHEN excluded.status = '' THEN flow_records.status ELSE excluded.status END,
			state = COALESCE(excluded.state, flow_records.state),
			updated_at = excluded.updated_at
	`, id, patch.Name, string(patch.Status), stateJSON, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to write flow record: %w", err)
	}
	return nil
}

// ListFlowRecords lists records, most recently updated first.
func (b *Backend) ListFlowRecords(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	query := `SELECT id, name, status, state, created_at, updated_at FROM flow_records WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
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
	if _, err := b.db.ExecContext(ctx, "DELETE FROM flow_records WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete flow record: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*backend.FlowRecord, error) {
	var rec backend.FlowRecord
	var status string
	var stateJSON sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(&rec.ID, &rec.Name, &status, &stateJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = flow.Status(status)

	if stateJSON.Valid && stateJSON.String != "" {
		var state flow.ExecutionState
		if err := json.Unmarshal([]byte(stateJSON.String), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		rec.State = &state
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

func marshalState(state *flow.ExecutionState) (any, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
