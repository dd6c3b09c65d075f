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

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/internal/backend/dynamodb"
	"github.com/tombee/testflow/internal/backend/memory"
	"github.com/tombee/testflow/internal/backend/postgres"
	"github.com/tombee/testflow/internal/backend/redis"
	"github.com/tombee/testflow/internal/backend/sqlite"
	"github.com/tombee/testflow/internal/config"
	flowerrors "github.com/tombee/testflow/pkg/errors"
)

// OpenBackend creates the storage driver named by cfg.Type.
func OpenBackend(ctx context.Context, cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if cfg.DSN == "" {
			return nil, &flowerrors.ConfigError{Key: "backend.dsn", Reason: "sqlite backend requires a database path"}
		}
		be, err := sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		return be, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, &flowerrors.ConfigError{Key: "backend.dsn", Reason: "postgres backend requires a connection string"}
		}
		be, err := postgres.New(postgres.Config{ConnectionString: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres backend: %w", err)
		}
		return be, nil
	case "redis":
		rc := redis.Config{KeyPrefix: cfg.KeyPrefix}
		switch {
		case strings.HasPrefix(cfg.DSN, "redis://"), strings.HasPrefix(cfg.DSN, "rediss://"):
			rc.URL = cfg.DSN
		case cfg.DSN != "":
			rc.Addr = cfg.DSN
		default:
			rc.Addr = "localhost:6379"
		}
		be, err := redis.New(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis backend: %w", err)
		}
		return be, nil
	case "dynamodb":
		be, err := dynamodb.New(ctx, dynamodb.Config{
			Region:   cfg.Region,
			Table:    cfg.Table,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dynamodb backend: %w", err)
		}
		return be, nil
	default:
		return nil, &flowerrors.ConfigError{Key: "backend.type", Reason: fmt.Sprintf("unknown backend %q", cfg.Type)}
	}
}
