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

// Package memory provides an in-memory backend. Records do not survive a
// process restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/testflow/internal/backend"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is an in-memory storage backend.
type Backend struct {
	mu      sync.RWMutex
	records map[string]*backend.FlowRecord
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{records: make(map[string]*backend.FlowRecord)}
}

// ReadFlowRecord returns a copy of the stored record.
func (b *Backend) ReadFlowRecord(ctx context.Context, id string) (*backend.FlowRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[id]
	if !ok {
		return nil, backend.NotFound(id)
	}
	return rec.Clone(), nil
}

// WriteFlowRecord applies patch to the record for id.
func (b *Backend) WriteFlowRecord(ctx context.Context, id string, patch *backend.RecordPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[id] = backend.ApplyPatch(b.records[id], id, patch)
	return nil
}

// ListFlowRecords returns matching records, most recently updated first.
func (b *Backend) ListFlowRecords(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*backend.FlowRecord, 0, len(b.records))
	for _, rec := range b.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteFlowRecord removes the record for id. Deleting a missing record is
// not an error.
func (b *Backend) DeleteFlowRecord(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}
