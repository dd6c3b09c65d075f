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

// Package events carries flow lifecycle notifications from the tracker and
// scheduler to observers such as loggers, metrics and the result archiver.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/testflow/pkg/flow"
)

// Type names a lifecycle event.
type Type string

const (
	Started           Type = "started"
	ReadyForExecution Type = "readyForExecution"
	Completed         Type = "completed"
	Failed            Type = "failed"
	Error             Type = "error"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	FlowID    string    `json:"flowId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Payload is the optional data attached to an event. Result is set on
// completed and failed; Err and ErrorType on failed and error.
type Payload struct {
	FlowName  string                `json:"flowName,omitempty"`
	Status    flow.Status           `json:"status,omitempty"`
	Resources []flow.ResourceHandle `json:"resources,omitempty"`
	Result    *flow.ExecutionResult `json:"result,omitempty"`
	Err       string                `json:"error,omitempty"`
	ErrorType string                `json:"errorType,omitempty"`
	Attempt   int                   `json:"attempt,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

// Observer receives events synchronously and must not block.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type subscription struct {
	ch    chan Event
	types map[Type]bool
}

// Bus fans events out to observers and channel subscribers.
type Bus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	subs      map[int]*subscription
	nextID    int
	dropped   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		observers: make(map[int]Observer),
		subs:      make(map[int]*subscription),
	}
}

// Publish stamps the event if needed and delivers it. Channel subscribers
// whose buffer is full miss the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.OnEvent(e)
	}
	for _, s := range subs {
		if len(s.types) > 0 && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// AddObserver registers o and returns a function that removes it.
func (b *Bus) AddObserver(o Observer) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = o
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Subscribe returns a buffered channel receiving events of the given types
// (all types when none are given) and an unsubscribe function. The channel
// is not closed on unsubscribe.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// LogObserver writes each event to logger. Failures and errors log at warn.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(e Event) {
		attrs := []any{"event", string(e.Type), "flow_id", e.FlowID}
		if e.Payload.Status != "" {
			attrs = append(attrs, "status", string(e.Payload.Status))
		}
		if e.Payload.Err != "" {
			attrs = append(attrs, "error", e.Payload.Err)
			logger.Warn("flow event", attrs...)
			return
		}
		logger.Info("flow event", attrs...)
	})
}
