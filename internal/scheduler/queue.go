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

package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by a closed queue.
var ErrQueueClosed = errors.New("task queue is closed")

// taskQueue orders tasks by priority, highest first, FIFO within a
// priority.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []*task
	signal chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(t *task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	i := len(q.tasks)
	for j, other := range q.tasks {
		if t.priority > other.priority {
			i = j
			break
		}
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t

	q.notify()
	return nil
}

// notify wakes one waiting worker. Callers hold q.mu.
func (q *taskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a task is available, the queue closes, or ctx is done.
func (q *taskQueue) pop(ctx context.Context) (*task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.tasks) > 0 {
			t := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			if len(q.tasks) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// remove takes t out of the queue. It reports false when a worker already
// took it or it was never queued.
func (q *taskQueue) remove(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, other := range q.tasks {
		if other == t {
			copy(q.tasks[i:], q.tasks[i+1:])
			q.tasks[len(q.tasks)-1] = nil
			q.tasks = q.tasks[:len(q.tasks)-1]
			return true
		}
	}
	return false
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// close rejects further pushes and returns the tasks still queued.
func (q *taskQueue) close() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	left := q.tasks
	q.tasks = nil
	return left
}
