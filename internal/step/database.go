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

package step

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/tombee/testflow/pkg/flow"
)

// DatabaseRunner executes SQL through database/sql. Connections are pooled
// per driver and DSN for the lifetime of the runner.
type DatabaseRunner struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewDatabaseRunner returns a runner with an empty connection cache.
func NewDatabaseRunner() *DatabaseRunner {
	return &DatabaseRunner{dbs: make(map[string]*sql.DB)}
}

func (r *DatabaseRunner) db(driver, dsn string) (*sql.DB, error) {
	key := driver + "\x00" + dsn
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	r.dbs[key] = db
	return db, nil
}

func (r *DatabaseRunner) Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
	in := s.Input.Database
	if in == nil {
		return nil, missingInput(s)
	}

	db, err := r.db(in.Driver, sc.Render(in.DSN))
	if err != nil {
		return nil, err
	}

	args := make([]any, len(in.Args))
	for i, a := range in.Args {
		args[i] = sc.RenderValue(a)
	}
	query := sc.Render(in.Query)

	if !returnsRows(query) {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		return &flow.Response{Kind: flow.KindDatabase, RowsAffected: n}, nil
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return &flow.Response{Kind: flow.KindDatabase, Rows: out, RowsAffected: int64(len(out))}, nil
}

// Close closes every pooled connection.
func (r *DatabaseRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.dbs, key)
	}
	return errors.Join(errs...)
}

func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"SELECT", "WITH", "PRAGMA", "SHOW", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(q, kw) {
			return true
		}
	}
	return strings.Contains(q, " RETURNING ")
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
