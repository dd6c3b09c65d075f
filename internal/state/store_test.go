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

package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/internal/backend/memory"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/retry"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the first failures writes.
type flakyStore struct {
	backend.RecordStore
	failures atomic.Int32
	writes   atomic.Int32
}

func (f *flakyStore) WriteFlowRecord(ctx context.Context, id string, patch *backend.RecordPatch) error {
	f.writes.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.RecordStore.WriteFlowRecord(ctx, id, patch)
}

func newTestStore(t *testing.T, records backend.RecordStore) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(records, Options{
		MaxAge: time.Hour,
		Retry:  retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		Logger: log.Discard(),
		Now:    c.Now,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func testFlow(id string) *flow.TestFlow {
	return &flow.TestFlow{ID: id, Name: "flow " + id}
}

func TestInitialize(t *testing.T) {
	mem := memory.New()
	s, _ := newTestStore(t, mem)
	ctx := context.Background()

	st, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, st.Status)
	assert.Equal(t, "flow f1", st.FlowName)
	assert.Zero(t, st.Metrics.RetryCount)

	rec, err := mem.ReadFlowRecord(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, rec.Status)
	require.NotNil(t, rec.State)

	_, err = s.Initialize(ctx, testFlow("f1"))
	var ai *flowerrors.AlreadyInitializedError
	require.ErrorAs(t, err, &ai)
	assert.Equal(t, "PENDING", ai.Status)
}

func TestInitializeAfterTerminalResets(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	ctx := context.Background()

	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "f1", flow.StatusFailed)
	require.NoError(t, err)

	st, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, st.Status)
}

func TestUpdateMissing(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	_, err := s.Update(context.Background(), "nope", func(*flow.ExecutionState) {})

	var nf *flowerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "flow state", nf.Resource)
	assert.False(t, s.Cached("nope"))
}

func TestUpdateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []flow.Status
		next    flow.Status
		wantErr any
	}{
		{"pending to running", nil, flow.StatusRunning, nil},
		{"running to running", []flow.Status{flow.StatusRunning}, flow.StatusRunning, nil},
		{"running to completed", []flow.Status{flow.StatusRunning}, flow.StatusCompleted, nil},
		{"running to pending", []flow.Status{flow.StatusRunning}, flow.StatusPending, &flowerrors.ValidationError{}},
		{"completed to running", []flow.Status{flow.StatusRunning, flow.StatusCompleted}, flow.StatusRunning, &flowerrors.TerminalStateError{}},
		{"failed to failed", []flow.Status{flow.StatusFailed}, flow.StatusFailed, &flowerrors.TerminalStateError{}},
		{"cancelled to pending", []flow.Status{flow.StatusCancelled}, flow.StatusPending, &flowerrors.TerminalStateError{}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, memory.New())
			ctx := context.Background()
			id := fmt.Sprintf("f%d", i)

			_, err := s.Initialize(ctx, testFlow(id))
			require.NoError(t, err)
			for _, st := range tt.path {
				_, err := s.SetStatus(ctx, id, st)
				require.NoError(t, err)
			}

			_, err = s.SetStatus(ctx, id, tt.next)
			switch want := tt.wantErr.(type) {
			case nil:
				require.NoError(t, err)
			case *flowerrors.ValidationError:
				assert.ErrorAs(t, err, &want)
			case *flowerrors.TerminalStateError:
				assert.ErrorAs(t, err, &want)
			}
		})
	}
}

func TestTerminalIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	ctx := context.Background()

	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "f1", flow.StatusCompleted)
	require.NoError(t, err)

	for _, next := range []flow.Status{flow.StatusPending, flow.StatusRunning, flow.StatusFailed} {
		_, err := s.SetStatus(ctx, "f1", next)
		var te *flowerrors.TerminalStateError
		assert.ErrorAs(t, err, &te)
	}

	st, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, st.Status)
}

func TestGetRehydratesAfterEviction(t *testing.T) {
	mem := memory.New()
	s, _ := newTestStore(t, mem)
	ctx := context.Background()

	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "f1", func(st *flow.ExecutionState) {
		st.Status = flow.StatusRunning
		st.Metrics.RetryCount = 2
	})
	require.NoError(t, err)

	s.Evict("f1")
	assert.False(t, s.Cached("f1"))

	st, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusRunning, st.Status)
	assert.Equal(t, 2, st.Metrics.RetryCount)
	assert.True(t, s.Cached("f1"))

	// A fresh store over the same records sees the same state.
	other, _ := newTestStore(t, mem)
	st, err = other.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusRunning, st.Status)
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	ctx := context.Background()
	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)

	st, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	st.Status = flow.StatusFailed

	again, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, again.Status)
}

func TestTrackProgress(t *testing.T) {
	s, c := newTestStore(t, memory.New())
	ctx := context.Background()
	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = s.TrackProgress(ctx, "f1", map[string]any{"step": "login", "completed": 1})
	require.NoError(t, err)
	st, err := s.TrackProgress(ctx, "f1", map[string]any{"completed": 2})
	require.NoError(t, err)

	assert.Equal(t, "login", st.Metrics.ExecutionProgress["step"])
	assert.Equal(t, 2, st.Metrics.ExecutionProgress["completed"])
	assert.Equal(t, c.Now(), st.Metrics.LastCheckpoint)
	assert.Equal(t, c.Now(), st.LastUpdated)
}

func TestSweepEvictsOnlyStaleCache(t *testing.T) {
	mem := memory.New()
	s, c := newTestStore(t, mem)
	ctx := context.Background()

	_, err := s.Initialize(ctx, testFlow("old"))
	require.NoError(t, err)
	c.Advance(45 * time.Minute)
	_, err = s.Initialize(ctx, testFlow("new"))
	require.NoError(t, err)
	c.Advance(30 * time.Minute)

	assert.Equal(t, 1, s.Sweep())
	assert.False(t, s.Cached("old"))
	assert.True(t, s.Cached("new"))

	_, err = mem.ReadFlowRecord(ctx, "old")
	require.NoError(t, err, "durable record must survive the sweep")

	st, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, st.Status)
}

func TestStartSweeps(t *testing.T) {
	c := &clock{now: time.Now()}
	s := New(memory.New(), Options{
		CheckInterval: 5 * time.Millisecond,
		MaxAge:        time.Minute,
		Logger:        log.Discard(),
		Now:           c.Now,
	})
	defer s.Close()

	_, err := s.Initialize(context.Background(), testFlow("f1"))
	require.NoError(t, err)
	c.Advance(time.Hour)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return !s.Cached("f1") }, time.Second, 5*time.Millisecond)
}

func TestPersistenceRetry(t *testing.T) {
	flaky := &flakyStore{RecordStore: memory.New()}
	flaky.failures.Store(2)
	s, _ := newTestStore(t, flaky)

	_, err := s.Initialize(context.Background(), testFlow("f1"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.writes.Load())
}

func TestPersistenceFailureDiscardsChange(t *testing.T) {
	flaky := &flakyStore{RecordStore: memory.New()}
	s, _ := newTestStore(t, flaky)
	ctx := context.Background()

	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)

	flaky.failures.Store(10)
	_, err = s.SetStatus(ctx, "f1", flow.StatusRunning)
	require.Error(t, err)

	flaky.failures.Store(0)
	st, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, st.Status)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	ctx := context.Background()

	const flows, perFlow = 5, 40
	for i := 0; i < flows; i++ {
		_, err := s.Initialize(ctx, testFlow(fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < flows; i++ {
		id := fmt.Sprintf("f%d", i)
		for j := 0; j < perFlow; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, id, func(st *flow.ExecutionState) {
					st.Metrics.RetryCount++
				})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for i := 0; i < flows; i++ {
		st, err := s.Get(ctx, fmt.Sprintf("f%d", i))
		require.NoError(t, err)
		assert.Equal(t, perFlow, st.Metrics.RetryCount)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	ctx := context.Background()
	_, err := s.Initialize(ctx, testFlow("a"))
	require.NoError(t, err)
	_, err = s.Initialize(ctx, testFlow("b"))
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "b", flow.StatusRunning)
	require.NoError(t, err)

	recs, err := s.List(ctx, backend.RecordFilter{Status: flow.StatusRunning})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ID)

	bare, _ := newTestStore(t, &flakyStore{RecordStore: memory.New()})
	_, err = bare.List(ctx, backend.RecordFilter{})
	assert.Error(t, err)
}

func TestCachedDuringUpdates(t *testing.T) {
	s, _ := newTestStore(t, memory.New())
	ctx := context.Background()
	_, err := s.Initialize(ctx, testFlow("f1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = s.TrackProgress(ctx, "f1", map[string]any{"step": i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.True(t, s.Cached("f1"))
		}
	}()
	wg.Wait()
}
