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

// Package backendtest holds the conformance suite every backend driver runs.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Run exercises store against the RecordStore and RecordLister contracts.
// newStore must return an empty backend.
func Run(t *testing.T, newStore func(t *testing.T) backend.Backend) {
	t.Helper()

	t.Run("read missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.ReadFlowRecord(context.Background(), "missing")
		var nf *errors.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "missing", nf.ID)
	})

	t.Run("write then read", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		t0 := time.Now().UTC().Truncate(time.Millisecond)

		state := &flow.ExecutionState{
			FlowID:      "f1",
			FlowName:    "checkout",
			Status:      flow.StatusPending,
			Resources:   []flow.ResourceHandle{{ID: "cpu-0", Type: "cpu", Capacity: 100}},
			Metrics:     flow.StateMetrics{RetryCount: 2, ExecutionProgress: map[string]any{"step": "login"}},
			CreatedAt:   t0,
			LastUpdated: t0,
		}
		require.NoError(t, store.WriteFlowRecord(ctx, "f1", &backend.RecordPatch{
			Name:      "checkout",
			Status:    flow.StatusPending,
			State:     state,
			UpdatedAt: t0,
		}))

		rec, err := store.ReadFlowRecord(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, "f1", rec.ID)
		assert.Equal(t, "checkout", rec.Name)
		assert.Equal(t, flow.StatusPending, rec.Status)
		require.NotNil(t, rec.State)
		assert.Equal(t, 2, rec.State.Metrics.RetryCount)
		assert.Equal(t, "login", rec.State.Metrics.ExecutionProgress["step"])
		require.Len(t, rec.State.Resources, 1)
		assert.Equal(t, "cpu-0", rec.State.Resources[0].ID)
		assert.True(t, rec.UpdatedAt.Equal(t0), "updated_at %v != %v", rec.UpdatedAt, t0)
	})

	t.Run("patch keeps unset fields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		t0 := time.Now().UTC().Truncate(time.Millisecond)
		t1 := t0.Add(time.Second)

		require.NoError(t, store.WriteFlowRecord(ctx, "f2", &backend.RecordPatch{
			Name:      "search",
			Status:    flow.StatusPending,
			State:     &flow.ExecutionState{FlowID: "f2", Status: flow.StatusPending},
			UpdatedAt: t0,
		}))
		require.NoError(t, store.WriteFlowRecord(ctx, "f2", &backend.RecordPatch{
			Status:    flow.StatusRunning,
			UpdatedAt: t1,
		}))

		rec, err := store.ReadFlowRecord(ctx, "f2")
		require.NoError(t, err)
		assert.Equal(t, "search", rec.Name)
		assert.Equal(t, flow.StatusRunning, rec.Status)
		require.NotNil(t, rec.State)
		assert.Equal(t, flow.StatusPending, rec.State.Status)
		assert.True(t, rec.CreatedAt.Equal(t0))
		assert.True(t, rec.UpdatedAt.Equal(t1))
	})

	t.Run("list and delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i, status := range []flow.Status{flow.StatusCompleted, flow.StatusFailed, flow.StatusCompleted} {
			id := fmt.Sprintf("l%d", i)
			require.NoError(t, store.WriteFlowRecord(ctx, id, &backend.RecordPatch{
				Name:   id,
				Status: status,
				State:  &flow.ExecutionState{FlowID: id, Status: status},
			}))
		}

		all, err := store.ListFlowRecords(ctx, backend.RecordFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		done, err := store.ListFlowRecords(ctx, backend.RecordFilter{Status: flow.StatusCompleted})
		require.NoError(t, err)
		assert.Len(t, done, 2)

		limited, err := store.ListFlowRecords(ctx, backend.RecordFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		require.NoError(t, store.DeleteFlowRecord(ctx, "l1"))
		_, err = store.ReadFlowRecord(ctx, "l1")
		var nf *errors.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("concurrent writers on distinct keys", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c%d", i)
				assert.NoError(t, store.WriteFlowRecord(ctx, id, &backend.RecordPatch{Name: id, Status: flow.StatusPending}))
			}(i)
		}
		wg.Wait()

		all, err := store.ListFlowRecords(ctx, backend.RecordFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 8)
	})
}
