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

// Package scheduler admits flows into a bounded pool of workers.
//
// A flow is admitted by Schedule or Dispatch. Admission validates the flow,
// reserves a queue slot, and arms the task timeout; failures are returned
// synchronously and nothing is enqueued. Once admitted a task runs on the
// first free worker, is re-attempted through the retry executor up to the
// flow's retry count, and reports exactly one Outcome.
//
// Schedule owns the flow end to end: it initializes state, allocates
// resources, records the final status and publishes completed or failed.
// Dispatch leaves state and resources to the caller and only delivers the
// Outcome on a channel.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/events"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/resource"
	"github.com/tombee/testflow/internal/retry"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler is stopped")

// Runner executes one flow.
type Runner interface {
	Execute(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionResult, error)
}

// StateStore is the subset of the state store the scheduler writes to.
type StateStore interface {
	Initialize(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionState, error)
	Update(ctx context.Context, flowID string, mutate func(*flow.ExecutionState)) (*flow.ExecutionState, error)
}

// ResourcePool allocates the resources a flow requires.
type ResourcePool interface {
	AllocateFor(ctx context.Context, flowID string, reqs []flow.ResourceRequirement) (*resource.Allocation, error)
	Release(alloc *resource.Allocation) error
}

// MetricsCollector records queue depth and retries.
type MetricsCollector interface {
	IncrementQueueDepth(ctx context.Context)
	DecrementQueueDepth(ctx context.Context)
	RecordRetry(ctx context.Context, site string)
}

// Outcome is the single report of an admitted task.
type Outcome struct {
	TaskID string
	FlowID string
	Result *flow.ExecutionResult

	// Attempts is the number of times the flow was executed
	Attempts int

	Err error

	// TimedOut is set when the task timeout fired first
	TimedOut bool
}

// Options configures a Scheduler.
type Options struct {
	Workers      int
	MaxQueueSize int
	TaskTimeout  time.Duration

	Retry   *retry.Executor
	State   StateStore
	Pool    ResourcePool
	Events  events.Publisher
	Metrics MetricsCollector
	Logger  *slog.Logger
}

// OptionsFromConfig maps scheduler configuration onto Options.
func OptionsFromConfig(c config.SchedulerConfig) Options {
	return Options{
		Workers:      c.Workers,
		MaxQueueSize: c.MaxQueueSize,
		TaskTimeout:  c.TaskTimeout,
	}
}

const (
	DefaultWorkers      = 5
	DefaultMaxQueueSize = 100
	DefaultTaskTimeout  = 5 * time.Minute
)

// Scheduler runs admitted flows on a fixed set of workers.
type Scheduler struct {
	runner Runner
	opts   Options
	logger *slog.Logger
	queue  *taskQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	admitted int
	started  bool
	stopped  bool
	tasks    sync.WaitGroup
	workers  sync.WaitGroup

	running atomic.Int32
}

// New creates a Scheduler. Workers do not run until Start.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultConfig())
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		opts:   opts,
		logger: log.WithComponent(log.OrDefault(opts.Logger), "scheduler"),
		queue:  newTaskQueue(),
		ctx:    ctx,
		cancel: cancel,
	}
}

type task struct {
	id       string
	flow     *flow.TestFlow
	priority int
	direct   bool

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	timerMu sync.Mutex
	timer   *time.Timer

	alloc *resource.Allocation
	done  chan Outcome
	once  sync.Once

	// dequeued is set once a worker has taken the task
	dequeued atomic.Bool
}

// Schedule admits f and owns its state and resources until it finishes.
// Errors are admission failures; the final disposition is read from the
// state store.
func (s *Scheduler) Schedule(ctx context.Context, f *flow.TestFlow) error {
	if s.opts.State == nil || s.opts.Pool == nil {
		return &flowerrors.ConfigError{Key: "scheduler", Reason: "Schedule requires a state store and resource pool"}
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if err := s.reserve(); err != nil {
		return err
	}

	if _, err := s.opts.State.Initialize(ctx, f); err != nil {
		s.unreserve()
		return err
	}
	alloc, err := s.opts.Pool.AllocateFor(ctx, f.ID, f.Requirements())
	if err != nil {
		s.unreserve()
		s.recordAdmissionFailure(f.ID, err)
		return err
	}
	if _, err := s.opts.State.Update(ctx, f.ID, func(st *flow.ExecutionState) {
		st.Resources = alloc.Resources
	}); err != nil {
		s.unreserve()
		_ = s.opts.Pool.Release(alloc)
		return err
	}

	t := s.newTask(context.WithoutCancel(ctx), f, true)
	t.alloc = alloc
	return s.enqueue(t)
}

// recordAdmissionFailure marks an initialized flow FAILED when it could not
// be admitted, so it can be scheduled again.
func (s *Scheduler) recordAdmissionFailure(flowID string, cause error) {
	_, err := s.opts.State.Update(context.Background(), flowID, func(st *flow.ExecutionState) {
		st.Status = flow.StatusFailed
		st.Error = cause.Error()
		st.ErrorType = flowerrors.Type(cause)
	})
	if err != nil {
		s.logger.Warn("failed to record admission failure", slog.String(log.FlowIDKey, flowID), log.Error(err))
	}
}

// Dispatch admits f and returns a channel that receives its Outcome. The
// caller owns state and resources. Cancelling ctx cancels the task.
func (s *Scheduler) Dispatch(ctx context.Context, f *flow.TestFlow) (<-chan Outcome, error) {
	slot, err := s.Reserve(f)
	if err != nil {
		return nil, err
	}
	return slot.Dispatch(ctx)
}

// Slot is queue capacity held for one flow before it is dispatched.
type Slot struct {
	s    *Scheduler
	flow *flow.TestFlow
	used atomic.Bool
}

// Reserve validates f and holds a place for it in the queue, so capacity
// errors surface before the caller touches state or resources. The slot
// must be dispatched or released.
func (s *Scheduler) Reserve(f *flow.TestFlow) (*Slot, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := s.reserve(); err != nil {
		return nil, err
	}
	return &Slot{s: s, flow: f}, nil
}

// Dispatch queues the reserved flow. A slot dispatches at most once.
func (sl *Slot) Dispatch(ctx context.Context) (<-chan Outcome, error) {
	if !sl.used.CompareAndSwap(false, true) {
		return nil, errors.New("scheduler slot already used")
	}
	t := sl.s.newTask(ctx, sl.flow, false)
	if err := sl.s.enqueue(t); err != nil {
		return nil, err
	}
	return t.done, nil
}

// Release gives back an undispatched slot. It is a no-op after Dispatch.
func (sl *Slot) Release() {
	if sl.used.CompareAndSwap(false, true) {
		sl.s.unreserve()
	}
}

func (s *Scheduler) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.admitted >= s.opts.MaxQueueSize {
		return &flowerrors.QueueFullError{Capacity: s.opts.MaxQueueSize}
	}
	s.admitted++
	s.tasks.Add(1)
	return nil
}

func (s *Scheduler) unreserve() {
	s.mu.Lock()
	s.admitted--
	s.mu.Unlock()
	s.tasks.Done()
}

func (s *Scheduler) newTask(parent context.Context, f *flow.TestFlow, direct bool) *task {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		id:       uuid.NewString(),
		flow:     f,
		priority: f.Priority(),
		direct:   direct,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan Outcome, 1),
	}
	// A task cancelled while queued finishes at once instead of waiting
	// for a worker.
	t.stop = context.AfterFunc(parent, func() {
		cancel()
		if s.queue.remove(t) {
			s.finish(t, Outcome{Err: context.Canceled})
		}
	})
	return t
}

// enqueue arms the timeout and queues t. On failure the reservation is
// released.
func (s *Scheduler) enqueue(t *task) error {
	timeout := s.opts.TaskTimeout
	if t.flow.Config.Timeout > 0 {
		timeout = t.flow.Config.Timeout
	}
	t.timerMu.Lock()
	t.timer = time.AfterFunc(timeout, func() {
		s.logger.Warn("task timed out",
			slog.String(log.FlowIDKey, t.flow.ID),
			slog.String("task_id", t.id),
			log.Duration(timeout))
		s.queue.remove(t)
		s.finish(t, Outcome{
			Err:      &flowerrors.TimeoutError{Operation: "task " + t.flow.ID, Duration: timeout},
			TimedOut: true,
		})
	})
	t.timerMu.Unlock()

	if err := s.queue.push(t); err != nil {
		s.finish(t, Outcome{Err: ErrStopped})
		return ErrStopped
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncrementQueueDepth(t.ctx)
	}
	s.logger.Debug("task admitted",
		slog.String(log.FlowIDKey, t.flow.ID),
		slog.String("task_id", t.id),
		slog.Int("priority", t.priority))
	return nil
}

// Start launches the workers. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	context.AfterFunc(ctx, s.cancel)

	for i := 0; i < s.opts.Workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	s.logger.Info("scheduler started", slog.Int("workers", s.opts.Workers))
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for {
		t, err := s.queue.pop(s.ctx)
		if err != nil {
			return
		}
		if t.dequeued.CompareAndSwap(false, true) && s.opts.Metrics != nil {
			s.opts.Metrics.DecrementQueueDepth(t.ctx)
		}
		s.run(t)
	}
}

func (s *Scheduler) run(t *task) {
	if t.ctx.Err() != nil {
		s.finish(t, Outcome{Err: t.ctx.Err()})
		return
	}

	f := t.flow
	logger := log.WithFlowContext(s.logger, f.ID, f.Name)

	if t.direct {
		_, err := s.opts.State.Update(t.ctx, f.ID, func(st *flow.ExecutionState) {
			st.Status = flow.StatusRunning
			st.Metrics.StartTime = time.Now()
		})
		if err != nil {
			// The timeout may already have finalized the flow.
			s.finish(t, Outcome{Err: err})
			return
		}
	}

	s.running.Add(1)
	defer s.running.Add(-1)

	var last *flow.ExecutionResult
	attempts, err := s.opts.Retry.Do(t.ctx, f.Config.Retries+1, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			logger.Info("retrying flow", slog.Int(log.AttemptKey, attempt))
			if s.opts.Metrics != nil {
				s.opts.Metrics.RecordRetry(ctx, "scheduler")
			}
			if t.direct {
				_, _ = s.opts.State.Update(ctx, f.ID, func(st *flow.ExecutionState) {
					st.Metrics.RetryCount = attempt
				})
			}
		}
		res, err := s.runner.Execute(ctx, f)
		if res != nil {
			last = res
		}
		if err == nil && res != nil && res.Status == flow.StatusFailed {
			err = res.Err()
		}
		return err
	})
	s.finish(t, Outcome{Result: last, Attempts: attempts, Err: err})
}

// finish reports the outcome of t exactly once. Later calls, such as a
// run completing after its timeout, are no-ops.
func (s *Scheduler) finish(t *task, o Outcome) {
	t.once.Do(func() {
		t.timerMu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.timerMu.Unlock()
		if t.stop != nil {
			t.stop()
		}
		t.cancel()

		o.TaskID = t.id
		o.FlowID = t.flow.ID
		if t.direct {
			s.finalize(t, o)
		}
		t.done <- o
		close(t.done)

		// Finished while still queued. A push that failed never counted.
		if t.dequeued.CompareAndSwap(false, true) && s.opts.Metrics != nil && o.Err != ErrStopped {
			s.opts.Metrics.DecrementQueueDepth(context.Background())
		}

		s.mu.Lock()
		s.admitted--
		s.mu.Unlock()
		s.tasks.Done()
	})
}

// finalize records the terminal state of a directly scheduled task and
// releases its resources.
func (s *Scheduler) finalize(t *task, o Outcome) {
	f := t.flow
	ctx := context.Background()
	logger := log.WithFlowContext(s.logger, f.ID, f.Name)

	status := flow.StatusCompleted
	switch {
	case o.Err == nil:
	case errors.Is(o.Err, context.Canceled):
		status = flow.StatusCancelled
	default:
		status = flow.StatusFailed
	}

	_, err := s.opts.State.Update(ctx, f.ID, func(st *flow.ExecutionState) {
		st.Status = status
		st.Result = o.Result
		st.Resources = nil
		st.Metrics.EndTime = time.Now()
		if o.Attempts > 0 {
			st.Metrics.RetryCount = o.Attempts - 1
		}
		if o.Err != nil {
			st.Error = o.Err.Error()
			st.ErrorType = flowerrors.Type(o.Err)
		}
	})
	var terminal *flowerrors.TerminalStateError
	if err != nil && !errors.As(err, &terminal) {
		logger.Error("failed to record final state", log.Error(err))
	}

	if t.alloc != nil {
		if err := s.opts.Pool.Release(t.alloc); err != nil {
			logger.Warn("resource release failed", log.Error(err))
		}
	}

	ev := events.Event{
		Type:   events.Completed,
		FlowID: f.ID,
		Payload: events.Payload{
			FlowName: f.Name,
			Status:   status,
			Result:   o.Result,
			Attempt:  o.Attempts,
		},
	}
	if status != flow.StatusCompleted {
		ev.Type = events.Failed
		ev.Payload.Err = o.Err.Error()
		ev.Payload.ErrorType = flowerrors.Type(o.Err)
	}
	s.opts.Events.Publish(ev)

	logger.Info("flow finished",
		slog.String(log.StatusKey, string(status)),
		slog.Int("attempts", o.Attempts))
}

// QueueLength is the number of admitted tasks that have not finished.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted
}

// Pending is the number of tasks waiting for a worker.
func (s *Scheduler) Pending() int {
	return s.queue.len()
}

// Running is the number of tasks currently executing.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Stop rejects new flows and waits for admitted tasks until ctx is done.
// Tasks still unfinished then are cancelled. It returns ctx.Err() if the
// drain did not complete.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(drained)
	}()

	var err error
	if started {
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.cancel()
	for _, t := range s.queue.close() {
		s.finish(t, Outcome{Err: context.Canceled})
	}
	s.workers.Wait()
	<-drained

	s.logger.Info("scheduler stopped")
	return err
}
