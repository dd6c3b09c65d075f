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

package events

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusObserversAndSubscribers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var seen []Type
	remove := bus.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}))

	all, unsubAll := bus.Subscribe(10)
	defer unsubAll()
	finals, unsubFinals := bus.Subscribe(10, Completed, Failed)
	defer unsubFinals()

	bus.Publish(Event{Type: Started, FlowID: "f1"})
	bus.Publish(Event{Type: Completed, FlowID: "f1"})

	assert.Equal(t, []Type{Started, Completed}, seen)
	require.Len(t, all, 2)
	e := <-all
	assert.Equal(t, Started, e.Type)
	assert.False(t, e.Timestamp.IsZero())

	require.Len(t, finals, 1)
	assert.Equal(t, Completed, (<-finals).Type)

	remove()
	bus.Publish(Event{Type: Error, FlowID: "f1"})
	assert.Len(t, seen, 2)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: Started})
	bus.Publish(Event{Type: Started})
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(5)
	unsub()
	bus.Publish(Event{Type: Started})
	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	obs := LogObserver(logger)

	obs.OnEvent(Event{Type: Failed, FlowID: "f9", Payload: Payload{Err: "boom"}})
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "flow_id=f9")
	assert.Contains(t, out, "error=boom")
}
