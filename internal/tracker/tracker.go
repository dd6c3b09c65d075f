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

// Package tracker coordinates the lifecycle of a single flow: state,
// resources, dispatch, watchdog, one flow-level retry, and cleanup.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/events"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/resource"
	"github.com/tombee/testflow/internal/retry"
	"github.com/tombee/testflow/internal/scheduler"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// ErrClosed is returned once the tracker is closed.
var ErrClosed = errors.New("tracker is closed")

// Dispatcher runs an admitted flow and reports its outcome. Reserve holds
// queue capacity before any state exists for the flow.
type Dispatcher interface {
	Reserve(f *flow.TestFlow) (*scheduler.Slot, error)
	Dispatch(ctx context.Context, f *flow.TestFlow) (<-chan scheduler.Outcome, error)
}

// StateStore is the subset of the state store the tracker uses.
type StateStore interface {
	Initialize(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionState, error)
	Update(ctx context.Context, flowID string, mutate func(*flow.ExecutionState)) (*flow.ExecutionState, error)
	Get(ctx context.Context, flowID string) (*flow.ExecutionState, error)
}

// ResourcePool allocates the resources a flow requires.
type ResourcePool interface {
	AllocateFor(ctx context.Context, flowID string, reqs []flow.ResourceRequirement) (*resource.Allocation, error)
	Release(alloc *resource.Allocation) error
}

// MetricsCollector records flow lifecycle metrics.
type MetricsCollector interface {
	RecordFlowStart(ctx context.Context, flowID, flowName string)
	RecordFlowComplete(ctx context.Context, flowID, flowName, status string, duration time.Duration)
	RecordRetry(ctx context.Context, site string)
}

// Options configures a Tracker.
type Options struct {
	// CheckInterval is the watchdog tick.
	CheckInterval time.Duration

	// MaxExecutionTime fails a flow that runs longer.
	MaxExecutionTime time.Duration

	Retry   *retry.Executor
	Events  events.Publisher
	Tracer  trace.Tracer
	Metrics MetricsCollector
	Logger  *slog.Logger
}

// OptionsFromConfig maps execution settings onto Options.
func OptionsFromConfig(c config.ExecutionConfig) Options {
	return Options{CheckInterval: c.CheckInterval, MaxExecutionTime: c.MaxExecutionTime}
}

// Tracker is the authoritative lifecycle coordinator for tracked flows.
type Tracker struct {
	dispatcher Dispatcher
	state      StateStore
	pool       ResourcePool
	opts       Options
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// New creates a Tracker.
func New(dispatcher Dispatcher, state StateStore, pool ResourcePool, opts Options) *Tracker {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.MaxExecutionTime <= 0 {
		opts.MaxExecutionTime = 30 * time.Minute
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultConfig())
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		dispatcher: dispatcher,
		state:      state,
		pool:       pool,
		opts:       opts,
		logger:     log.WithComponent(log.OrDefault(opts.Logger), "tracker"),
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]context.CancelCauseFunc),
	}
}

// watchdogError is the cancellation cause set by the watchdog.
type watchdogError struct{ limit time.Duration }

func (e *watchdogError) Error() string { return "execution time exceeded " + e.limit.String() }

// tracked is one admitted flow.
type tracked struct {
	flow   *flow.TestFlow
	ctx    context.Context
	cancel context.CancelCauseFunc
	span   trace.Span
	alloc  *resource.Allocation
	start  time.Time
	logger *slog.Logger

	// first receives the outcome of the dispatch made at admission
	first <-chan scheduler.Outcome
}

// Schedule admits f and returns once it is queued with the dispatcher.
// Admission errors, including a full queue, are returned here. The rest of
// the lifecycle runs in the background; its disposition is read from the
// state store or the event stream.
func (t *Tracker) Schedule(ctx context.Context, f *flow.TestFlow) error {
	tf, err := t.admit(context.WithoutCancel(ctx), f)
	if err != nil {
		return err
	}
	go t.await(tf)
	return nil
}

// Execute tracks f to completion and returns its final state. Cancelling
// ctx cancels the flow.
func (t *Tracker) Execute(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionState, error) {
	tf, err := t.admit(ctx, f)
	if err != nil {
		return nil, err
	}
	t.await(tf)
	return t.state.Get(context.WithoutCancel(ctx), f.ID)
}

// Cancel cancels a tracked flow. It reports whether the flow was active.
func (t *Tracker) Cancel(flowID string) bool {
	t.mu.Lock()
	cancel, ok := t.active[flowID]
	t.mu.Unlock()
	if ok {
		cancel(context.Canceled)
	}
	return ok
}

// Active returns the ids of flows being tracked.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) admit(parent context.Context, f *flow.TestFlow) (*tracked, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	// Capacity is checked before state exists, so a full queue leaves no
	// trace of the flow.
	slot, err := t.dispatcher.Reserve(f)
	if err != nil {
		return nil, err
	}
	logger := log.WithFlowContext(t.logger, f.ID, f.Name)

	flowCtx, cancel := context.WithCancelCause(t.ctx)
	stop := context.AfterFunc(parent, func() { cancel(context.Cause(parent)) })
	flowCtx, span := t.opts.Tracer.Start(flowCtx, "flow.track", trace.WithAttributes(
		attribute.String("flow.id", f.ID),
		attribute.String("flow.name", f.Name),
		attribute.String("flow.type", string(f.FlowType)),
	))
	tf := &tracked{
		flow:   f,
		ctx:    flowCtx,
		cancel: func(cause error) { stop(); cancel(cause) },
		span:   span,
		start:  time.Now(),
		logger: logger,
	}

	fail := func(err error) error {
		slot.Release()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		tf.cancel(err)
		return err
	}

	// 1. state
	if _, err := t.state.Initialize(flowCtx, f); err != nil {
		return nil, fail(err)
	}
	t.publish(events.Started, f, events.Payload{Status: flow.StatusPending})
	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordFlowStart(flowCtx, f.ID, f.Name)
	}

	// 2. resources
	alloc, err := t.pool.AllocateFor(flowCtx, f.ID, f.Requirements())
	if err != nil {
		t.abort(tf, err)
		return nil, fail(err)
	}
	tf.alloc = alloc
	if _, err := t.state.Update(flowCtx, f.ID, func(st *flow.ExecutionState) {
		st.Status = flow.StatusRunning
		st.Resources = alloc.Resources
		st.Metrics.StartTime = tf.start
	}); err != nil {
		t.abort(tf, err)
		return nil, fail(err)
	}
	t.publish(events.ReadyForExecution, f, events.Payload{Status: flow.StatusRunning, Resources: alloc.Resources})

	// 3. queue
	ch, err := slot.Dispatch(flowCtx)
	if err != nil {
		t.abort(tf, err)
		return nil, fail(err)
	}
	tf.first = ch

	t.mu.Lock()
	t.active[f.ID] = tf.cancel
	t.wg.Add(1)
	t.mu.Unlock()

	logger.Info("flow admitted", slog.Int("resources", len(alloc.Resources)))
	return tf, nil
}

// abort records an admission failure after state was initialized.
func (t *Tracker) abort(tf *tracked, cause error) {
	f := tf.flow
	ctx := context.WithoutCancel(tf.ctx)
	if tf.alloc != nil {
		if err := t.pool.Release(tf.alloc); err != nil {
			tf.logger.Warn("resource release failed", log.Error(err))
		}
	}
	_, err := t.state.Update(ctx, f.ID, func(st *flow.ExecutionState) {
		st.Status = flow.StatusFailed
		st.Resources = nil
		st.Error = cause.Error()
		st.ErrorType = flowerrors.Type(cause)
		st.Metrics.EndTime = time.Now()
	})
	if err != nil {
		tf.logger.Warn("failed to record admission failure", log.Error(err))
	}
	t.publish(events.Error, f, events.Payload{
		Status:    flow.StatusFailed,
		Err:       cause.Error(),
		ErrorType: flowerrors.Type(cause),
	})
	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordFlowComplete(ctx, f.ID, f.Name, string(flow.StatusFailed), time.Since(tf.start))
	}
}

// await drives an admitted flow to a terminal state. Cleanup runs on every
// path.
func (t *Tracker) await(tf *tracked) {
	f := tf.flow
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.active, f.ID)
		t.mu.Unlock()
	}()

	stopWatchdog := t.watchdog(tf)

	var last scheduler.Outcome
	_, err := t.opts.Retry.Do(tf.ctx, 2, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			tf.logger.Info("retrying flow after failure", log.Error(last.Err))
			if t.opts.Metrics != nil {
				t.opts.Metrics.RecordRetry(ctx, "tracker")
			}
			_, _ = t.state.Update(ctx, f.ID, func(st *flow.ExecutionState) {
				st.Metrics.FlowRetries = attempt
			})
		}
		ch := tf.first
		if attempt > 0 {
			var err error
			if ch, err = t.dispatcher.Dispatch(ctx, f); err != nil {
				return err
			}
		}
		// The task is bound to ctx, so cancellation still yields an outcome.
		last = <-ch
		return last.Err
	})

	stopWatchdog()
	t.finish(tf, last, err)
}

// watchdog cancels the flow once it has run longer than MaxExecutionTime.
func (t *Tracker) watchdog(tf *tracked) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-tf.ctx.Done():
				return
			case <-ticker.C:
				if elapsed := time.Since(tf.start); elapsed > t.opts.MaxExecutionTime {
					tf.logger.Warn("flow exceeded max execution time",
						log.Duration(elapsed),
						slog.Duration("limit", t.opts.MaxExecutionTime))
					tf.cancel(&watchdogError{limit: t.opts.MaxExecutionTime})
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// finish records the terminal state, emits completed or failed, and
// releases resources.
func (t *Tracker) finish(tf *tracked, o scheduler.Outcome, err error) {
	f := tf.flow
	ctx := context.WithoutCancel(tf.ctx)
	defer tf.span.End()
	defer tf.cancel(context.Canceled)

	var wd *watchdogError
	status := flow.StatusCompleted
	switch {
	case err == nil:
	case errors.As(context.Cause(tf.ctx), &wd):
		status = flow.StatusFailed
		err = &flowerrors.TimeoutError{Operation: "flow " + f.ID, Duration: wd.limit, Cause: wd}
	case errors.Is(err, context.Canceled):
		status = flow.StatusCancelled
	default:
		status = flow.StatusFailed
	}

	if tf.alloc != nil {
		if rerr := t.pool.Release(tf.alloc); rerr != nil {
			tf.logger.Warn("resource release failed", log.Error(rerr))
			t.publish(events.Error, f, events.Payload{Err: rerr.Error(), ErrorType: flowerrors.Type(rerr)})
		}
	}

	_, uerr := t.state.Update(ctx, f.ID, func(st *flow.ExecutionState) {
		st.Status = status
		st.Resources = nil
		st.Result = o.Result
		st.Metrics.EndTime = time.Now()
		if o.Attempts > 0 {
			st.Metrics.RetryCount = o.Attempts - 1
		}
		if err != nil {
			st.Error = err.Error()
			st.ErrorType = flowerrors.Type(err)
		}
	})
	if uerr != nil {
		tf.logger.Error("failed to record final state", log.Error(uerr))
		t.publish(events.Error, f, events.Payload{Err: uerr.Error(), ErrorType: flowerrors.Type(uerr)})
	}

	duration := time.Since(tf.start)
	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordFlowComplete(ctx, f.ID, f.Name, string(status), duration)
	}
	tf.span.SetAttributes(
		attribute.String("flow.status", string(status)),
		attribute.Int("flow.attempts", o.Attempts),
	)

	if status == flow.StatusCompleted {
		tf.span.SetStatus(codes.Ok, "")
		t.publish(events.Completed, f, events.Payload{Status: status, Result: o.Result, Attempt: o.Attempts})
		tf.logger.Info("flow completed", log.Duration(duration))
		return
	}

	tf.span.RecordError(err)
	tf.span.SetStatus(codes.Error, err.Error())
	t.publish(events.Failed, f, events.Payload{
		Status:    status,
		Result:    o.Result,
		Err:       err.Error(),
		ErrorType: flowerrors.Type(err),
		Attempt:   o.Attempts,
	})
	tf.logger.Warn("flow failed",
		slog.String(log.StatusKey, string(status)),
		log.Error(err),
		log.Duration(duration))
}

func (t *Tracker) publish(typ events.Type, f *flow.TestFlow, p events.Payload) {
	p.FlowName = f.Name
	t.opts.Events.Publish(events.Event{Type: typ, FlowID: f.ID, Timestamp: time.Now(), Payload: p})
}

// Wait blocks until every tracked flow has finished or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every tracked flow and waits for cleanup until ctx is done.
func (t *Tracker) Close(ctx context.Context) error {
	t.cancel()
	return t.Wait(ctx)
}
