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

// Package parallel runs a batch of flows concurrently and waits for every
// result.
package parallel

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/retry"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Runner executes one flow. It returns a result even on failure when it
// can, plus the error that failed it.
type Runner interface {
	Execute(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionResult, error)

func (fn RunnerFunc) Execute(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionResult, error) {
	return fn(ctx, f)
}

// DefaultMaxConcurrent is used when Options.MaxConcurrent is zero.
const DefaultMaxConcurrent = 5

// Options configures one batch.
type Options struct {
	// MaxConcurrent caps simultaneously running flows.
	MaxConcurrent int

	// Timeout bounds each flow including its retries. Zero disables it.
	Timeout time.Duration

	// PriorityGroups launches flows in descending parameters.priority.
	PriorityGroups bool

	// MaxRetries re-runs a failed flow this many times.
	MaxRetries int

	// LaunchRate limits flow starts per second. Zero is unlimited.
	LaunchRate  float64
	LaunchBurst int

	// BeforeFlow runs before each flow; an error fails the flow without
	// running it.
	BeforeFlow func(ctx context.Context, f *flow.TestFlow) error

	// AfterFlow receives every result, including failures.
	AfterFlow func(ctx context.Context, f *flow.TestFlow, res *flow.ExecutionResult)
}

// Sample is one utilization reading taken while a batch runs.
type Sample struct {
	Active int
	Limit  int

	// CPU is active flows over the concurrency limit.
	CPU float64

	// Memory is heap in use over heap reserved from the OS.
	Memory float64
}

// Executor runs batches through a Runner.
type Executor struct {
	runner          Runner
	retry           *retry.Executor
	logger          *slog.Logger
	monitorInterval time.Duration
	warnThreshold   float64
	onSample        func(Sample)
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetry sets the backoff used between flow retries.
func WithRetry(r *retry.Executor) Option {
	return func(e *Executor) { e.retry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMonitor sets the utilization sampling interval and warning threshold.
func WithMonitor(interval time.Duration, threshold float64, onSample func(Sample)) Option {
	return func(e *Executor) {
		e.monitorInterval = interval
		e.warnThreshold = threshold
		e.onSample = onSample
	}
}

// New creates an Executor over runner.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:          runner,
		monitorInterval: 5 * time.Second,
		warnThreshold:   0.8,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultConfig())
	}
	e.logger = log.WithComponent(log.OrDefault(e.logger), "parallel")
	return e
}

// Execute runs flows under opts and returns exactly one result per input
// flow, in input order. A failing flow never stops its siblings.
func (e *Executor) Execute(ctx context.Context, flows []*flow.TestFlow, opts Options) []*flow.ExecutionResult {
	results := make([]*flow.ExecutionResult, len(flows))
	if len(flows) == 0 {
		return results
	}

	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	sem := semaphore.NewWeighted(int64(limit))

	var limiter *rate.Limiter
	if opts.LaunchRate > 0 {
		burst := opts.LaunchBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.LaunchRate), burst)
	}

	order := make([]int, len(flows))
	for i := range order {
		order[i] = i
	}
	if opts.PriorityGroups {
		sort.SliceStable(order, func(a, b int) bool {
			return flows[order[a]].Priority() > flows[order[b]].Priority()
		})
	}

	var active atomic.Int32
	stopMonitor := e.monitor(ctx, &active, limit)
	defer stopMonitor()

	var wg sync.WaitGroup
	for _, idx := range order {
		f := flows[idx]

		if err := sem.Acquire(ctx, 1); err != nil {
			results[idx] = cancelledResult(f, err)
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				sem.Release(1)
				results[idx] = cancelledResult(f, err)
				continue
			}
		}

		wg.Add(1)
		active.Add(1)
		go func(idx int, f *flow.TestFlow) {
			defer wg.Done()
			defer sem.Release(1)
			defer active.Add(-1)
			results[idx] = e.runFlow(ctx, f, opts)
		}(idx, f)
	}
	wg.Wait()

	return results
}

func (e *Executor) runFlow(ctx context.Context, f *flow.TestFlow, opts Options) *flow.ExecutionResult {
	start := time.Now()
	logger := log.WithFlowContext(e.logger, f.ID, f.Name)

	var res *flow.ExecutionResult
	var err error
	attempts := 0

	if opts.BeforeFlow != nil {
		err = opts.BeforeFlow(ctx, f)
	}
	if err == nil {
		res, attempts, err = e.race(ctx, f, opts)
	}

	if res == nil {
		res = &flow.ExecutionResult{FlowID: f.ID, FlowName: f.Name, StartedAt: start}
	}
	if attempts > 0 {
		res.RetryCount = attempts - 1
	}
	res.FlowID = f.ID
	res.FlowName = f.Name
	if res.StartedAt.IsZero() {
		res.StartedAt = start
	}
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(start)

	switch {
	case err == nil && res.Status != flow.StatusFailed:
		res.Status = flow.StatusCompleted
		res.Error = ""
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Status = flow.StatusCancelled
		res.Error = err.Error()
		res.Cause = err
	default:
		res.Status = flow.StatusFailed
		if err != nil {
			res.Error = err.Error()
			res.Cause = err
		}
	}

	logger.Debug("batch flow finished",
		slog.String(log.StatusKey, string(res.Status)),
		slog.Int("retries", res.RetryCount),
		log.Duration(res.Duration))

	if opts.AfterFlow != nil {
		opts.AfterFlow(ctx, f, res)
	}
	return res
}

// race runs the retry-wrapped flow against the per-flow timeout.
func (e *Executor) race(ctx context.Context, f *flow.TestFlow, opts Options) (*flow.ExecutionResult, int, error) {
	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		res      *flow.ExecutionResult
		attempts int
		err      error
	}
	// started counts runner invocations so a timeout still reports them.
	var started atomic.Int32
	done := make(chan outcome, 1)
	go func() {
		var last *flow.ExecutionResult
		attempts, err := e.retry.Do(runCtx, opts.MaxRetries+1, func(ctx context.Context, attempt int) error {
			started.Add(1)
			res, err := e.runner.Execute(ctx, f)
			if res != nil {
				last = res
			}
			if err == nil && res != nil && res.Status == flow.StatusFailed {
				err = res.Err()
			}
			return err
		})
		done <- outcome{res: last, attempts: attempts, err: err}
	}()

	if opts.Timeout <= 0 {
		o := <-done
		return o.res, o.attempts, o.err
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.res, o.attempts, o.err
	case <-timer.C:
		cancel()
		return nil, int(started.Load()), &flowerrors.TimeoutError{Operation: "flow " + f.ID, Duration: opts.Timeout}
	case <-ctx.Done():
		return nil, int(started.Load()), ctx.Err()
	}
}

func cancelledResult(f *flow.TestFlow, err error) *flow.ExecutionResult {
	now := time.Now()
	return &flow.ExecutionResult{
		FlowID:      f.ID,
		FlowName:    f.Name,
		Status:      flow.StatusCancelled,
		StartedAt:   now,
		CompletedAt: now,
		Error:       err.Error(),
	}
}

// monitor samples utilization until the returned stop function is called.
func (e *Executor) monitor(ctx context.Context, active *atomic.Int32, limit int) func() {
	if e.monitorInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sample(int(active.Load()), limit)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Executor) sample(active, limit int) Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Sample{Active: active, Limit: limit}
	if limit > 0 {
		s.CPU = float64(active) / float64(limit)
	}
	if ms.HeapSys > 0 {
		s.Memory = float64(ms.HeapInuse) / float64(ms.HeapSys)
	}

	if s.CPU > e.warnThreshold || s.Memory > e.warnThreshold {
		e.logger.Warn("batch utilization high",
			slog.Float64("cpu", s.CPU),
			slog.Float64("memory", s.Memory),
			slog.Float64("threshold", e.warnThreshold))
	}
	if e.onSample != nil {
		e.onSample(s)
	}
	return s
}
