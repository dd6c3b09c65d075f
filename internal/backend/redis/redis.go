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

// Package redis provides a Redis backend. Each record is stored as JSON
// under <prefix>flow:<id>; <prefix>flows indexes the ids.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/testflow/internal/backend"
)

var _ backend.Backend = (*Backend)(nil)

// maxTxRetries bounds optimistic transaction retries for a single write.
const maxTxRetries = 5

// Config contains Redis connection configuration.
type Config struct {
	// URL is a redis:// URL. Addr is used when URL is empty.
	URL string

	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key. Default "testflow:".
	KeyPrefix string

	// TTL expires records; zero keeps them forever.
	TTL time.Duration
}

// Backend stores flow records in Redis.
type Backend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Backend, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Backend {
	if prefix == "" {
		prefix = "testflow:"
	}
	return &Backend{client: client, prefix: prefix, ttl: ttl}
}

func (b *Backend) recordKey(id string) string {
	return b.prefix + "flow:" + id
}

func (b *Backend) indexKey() string {
	return b.prefix + "flows"
}

// ReadFlowRecord retrieves a record by flow ID.
func (b *Backend) ReadFlowRecord(ctx context.Context, id string) (*backend.FlowRecord, error) {
	rec, err := b.get(ctx, b.client, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, backend.NotFound(id)
	}
	return rec, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *Backend) get(ctx context.Context, c getter, id string) (*backend.FlowRecord, error) {
	data, err := c.Get(ctx, b.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow record: %w", err)
	}
	var rec backend.FlowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow record: %w", err)
	}
	return &rec, nil
}

// WriteFlowRecord applies patch inside a WATCH transaction so concurrent
// writers to the same key never lose each other's fields.
func (b *Backend) WriteFlowRecord(ctx context.Context, id string, patch *backend.RecordPatch) error {
	key := b.recordKey(id)

	txf := func(tx *redis.Tx) error {
		cur, err := b.get(ctx, tx, id)
		if err != nil {
			return err
		}
		data, err := json.Marshal(backend.ApplyPatch(cur, id, patch))
		if err != nil {
			return fmt.Errorf("failed to marshal flow record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, b.ttl)
			pipe.SAdd(ctx, b.indexKey(), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to write flow record: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to write flow record %s: too much contention", id)
}

// ListFlowRecords lists records, most recently updated first. Index
// entries whose record expired are pruned.
func (b *Backend) ListFlowRecords(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flow records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.recordKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flow records: %w", err)
	}

	var out []*backend.FlowRecord
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec backend.FlowRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow record %s: %w", ids[i], err)
		}
		if filter.Matches(&rec) {
			out = append(out, &rec)
		}
	}
	if len(stale) > 0 {
		b.client.SRem(ctx, b.indexKey(), stale...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteFlowRecord deletes a record and its index entry.
func (b *Backend) DeleteFlowRecord(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.recordKey(id))
		pipe.SRem(ctx, b.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete flow record: %w", err)
	}
	return nil
}

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}
