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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/internal/backend/backendtest"
	"github.com/tombee/testflow/pkg/flow"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return createTestBackend(t)
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	b, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b.WriteFlowRecord(ctx, "f1", &backend.RecordPatch{
		Name:   "checkout",
		Status: flow.StatusCompleted,
		State:  &flow.ExecutionState{FlowID: "f1", Status: flow.StatusCompleted},
	}))
	require.NoError(t, b.Close())

	reopened, err := New(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.ReadFlowRecord(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, rec.Status)
	assert.Equal(t, flow.StatusCompleted, rec.State.Status)
}
