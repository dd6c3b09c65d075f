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

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/log"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, dir, pattern string) (*Watcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	w, err := New(dir, pattern, rec.handle, WithDebounce(30*time.Millisecond), WithLogger(log.Discard()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
		w.Wait()
	})
	return w, rec
}

func TestDebouncedChanges(t *testing.T) {
	dir := t.TempDir()
	w, rec := startWatcher(t, dir, "")
	path := filepath.Join(dir, "smoke.yaml")

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("name: smoke\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{path}, rec.get())
	assert.Equal(t, 0, w.Pending())
}

func TestNewSubdirectoriesAreWatched(t *testing.T) {
	dir := t.TempDir()
	_, rec := startWatcher(t, dir, "")

	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(sub, "deep.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: deep\n"), 0o644))

	require.Eventually(t, func() bool {
		got := rec.get()
		return len(got) == 1 && got[0] == path
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPatternFilters(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "smoke-*.yaml", nil, WithLogger(log.Discard()))
	require.NoError(t, err)
	defer w.Close()

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, "smoke-login.yaml"), true},
		{filepath.Join(dir, "regression.yaml"), false},
		{filepath.Join(dir, "smoke-login.json"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.Matches(tt.path), tt.path)
	}
}

func TestInvalidPattern(t *testing.T) {
	_, err := New(t.TempDir(), "[", nil)
	assert.Error(t, err)
}

func TestDebouncerStopDropsPending(t *testing.T) {
	var calls int
	var mu sync.Mutex
	d := newDebouncer(20*time.Millisecond, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	d.add("a")
	d.add("a")
	d.add("b")
	assert.Equal(t, 2, d.pending())
	d.stop()
	d.add("c")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, d.pending())
}
