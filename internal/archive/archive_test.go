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

package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/tombee/testflow/internal/events"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/pkg/flow"
)

func newTestArchiver(t *testing.T, prefix string) (*Archiver, *blob.Bucket) {
	t.Helper()
	b := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = b.Close() })
	return New(b, prefix, log.Discard()), b
}

func completed(id string) events.Event {
	return events.Event{
		Type:   events.Completed,
		FlowID: id,
		Payload: events.Payload{
			FlowName: "checkout",
			Status:   flow.StatusCompleted,
			Result:   &flow.ExecutionResult{FlowID: id, Status: flow.StatusCompleted},
		},
	}
}

func TestWriteAndRead(t *testing.T) {
	a, _ := newTestArchiver(t, "results")
	a.now = func() time.Time { return time.Unix(0, 42) }

	key, err := a.Write(context.Background(), completed("f1"))
	require.NoError(t, err)
	assert.Equal(t, "results/f1/42.json", key)

	rec, err := a.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "f1", rec.FlowID)
	assert.Equal(t, "checkout", rec.FlowName)
	assert.Equal(t, flow.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.True(t, rec.Result.Succeeded())
}

func TestWriteRequiresOutcome(t *testing.T) {
	a, _ := newTestArchiver(t, "")
	_, err := a.Write(context.Background(), events.Event{Type: events.Completed, FlowID: "f"})
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "f/7.json"},
		{"runs", "runs/f/7.json"},
		{"runs/", "runs/f/7.json"},
	}
	for _, tt := range tests {
		a := New(nil, tt.prefix, nil)
		assert.Equal(t, tt.want, a.Key("f", time.Unix(0, 7)))
	}
}

func TestList(t *testing.T) {
	a, _ := newTestArchiver(t, "p")
	n := int64(0)
	a.now = func() time.Time { n++; return time.Unix(0, n) }

	for _, id := range []string{"a", "a", "b"} {
		_, err := a.Write(context.Background(), completed(id))
		require.NoError(t, err)
	}

	keys, err := a.List(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a/1.json", "p/a/2.json"}, keys)
}

func TestSubscribeArchivesTerminalEvents(t *testing.T) {
	a, _ := newTestArchiver(t, "")
	bus := events.NewBus()
	a.Subscribe(bus, 16)

	bus.Publish(events.Event{Type: events.Started, FlowID: "x"})
	bus.Publish(completed("x"))
	bus.Publish(events.Event{
		Type:    events.Failed,
		FlowID:  "y",
		Payload: events.Payload{Status: flow.StatusFailed, Err: "boom", ErrorType: "step_execution"},
	})
	require.NoError(t, a.Close())

	x, err := a.List(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, x, 1)

	y, err := a.List(context.Background(), "y")
	require.NoError(t, err)
	require.Len(t, y, 1)
	rec, err := a.Read(context.Background(), y[0])
	require.NoError(t, err)
	assert.Equal(t, "boom", rec.Error)
	assert.Nil(t, rec.Result)
}

func TestOpenURL(t *testing.T) {
	a, err := Open(context.Background(), "file://"+t.TempDir(), "out", log.Discard())
	require.NoError(t, err)
	_, err = a.Write(context.Background(), completed("f"))
	require.NoError(t, err)
	require.NoError(t, a.Close())
}
