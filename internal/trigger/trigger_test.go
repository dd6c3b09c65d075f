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

package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/log"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

type scheduled struct {
	mu    sync.Mutex
	flows []*flow.TestFlow
	err   error
}

func (s *scheduled) schedule(_ context.Context, f *flow.TestFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.flows = append(s.flows, f)
	return nil
}

func (s *scheduled) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.flows))
	for i, f := range s.flows {
		out[i] = f.ID
	}
	return out
}

func writeFlow(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "nightly.yaml")
	data := "name: nightly\nflowType: api\nconfig:\n  steps:\n    - name: ping\n      type: noop\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func newTestTrigger(t *testing.T, s *scheduled, opts ...Option) *Trigger {
	t.Helper()
	tr := New(s.schedule, append([]Option{WithLogger(log.Discard())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	})
	return tr
}

func TestValidate(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"30 */5 * * * *", false},
		{"@hourly", false},
		{"@every 90s", false},
		{"* * *", true},
		{"61 * * * *", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			err := Validate(tt.spec)
			if tt.wantErr {
				var ve *flowerrors.ValidationError
				assert.ErrorAs(t, err, &ve)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAddAndFire(t *testing.T) {
	s := &scheduled{}
	tr := newTestTrigger(t, s)
	path := writeFlow(t, t.TempDir())

	id, err := tr.Add("0 3 * * *", path)
	require.NoError(t, err)

	require.NoError(t, tr.Fire(id))
	require.NoError(t, tr.Fire(id))

	ids := s.ids()
	require.Len(t, ids, 2)
	for _, got := range ids {
		assert.True(t, strings.HasPrefix(got, "nightly@"), got)
	}

	entries := tr.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, path, entries[0].Path)
	assert.Equal(t, int64(2), entries[0].Firings)
	assert.Zero(t, entries[0].Errors)
}

func TestFiringIDsAreDistinct(t *testing.T) {
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	a := FiringID("nightly", at)
	b := FiringID("nightly", at.Add(time.Millisecond))
	assert.Equal(t, "nightly@20260301T020000.000Z", a)
	assert.NotEqual(t, a, b)
}

func TestFiringErrorsAreCounted(t *testing.T) {
	tests := []struct {
		name     string
		load     LoadFunc
		schedErr error
	}{
		{
			name: "load failure",
			load: func(string) (*flow.TestFlow, error) { return nil, errors.New("missing") },
		},
		{
			name:     "schedule failure",
			load:     func(string) (*flow.TestFlow, error) { return &flow.TestFlow{ID: "x"}, nil },
			schedErr: &flowerrors.QueueFullError{Capacity: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scheduled{err: tt.schedErr}
			tr := newTestTrigger(t, s, WithLoader(tt.load))
			id, err := tr.Add("@daily", "x.yaml")
			require.NoError(t, err)

			assert.Error(t, tr.Fire(id))
			assert.Equal(t, int64(1), tr.Entries()[0].Errors)
		})
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	tr := newTestTrigger(t, &scheduled{})

	_, err := tr.Add("not a schedule", "x.yaml")
	assert.Error(t, err)
	_, err = tr.Add("@daily", "")
	assert.Error(t, err)
	assert.Empty(t, tr.Entries())
}

func TestRemoveAndUnknownEntry(t *testing.T) {
	tr := newTestTrigger(t, &scheduled{})
	id, err := tr.Add("@daily", "x.yaml")
	require.NoError(t, err)

	assert.True(t, tr.Remove(id))
	assert.False(t, tr.Remove(id))
	assert.True(t, flowerrors.IsNotFound(tr.Fire(id)))
}

func TestScheduledFiring(t *testing.T) {
	s := &scheduled{}
	tr := newTestTrigger(t, s)
	path := writeFlow(t, t.TempDir())

	_, err := tr.Add("* * * * * *", path)
	require.NoError(t, err)
	tr.Start()

	require.Eventually(t, func() bool { return len(s.ids()) > 0 }, 3*time.Second, 20*time.Millisecond)
	next := tr.Entries()[0].Next
	assert.False(t, next.IsZero())
}
