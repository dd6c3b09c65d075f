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

// Package executor runs the steps of one flow and aggregates their results.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/parallel"
	"github.com/tombee/testflow/internal/retry"
	"github.com/tombee/testflow/internal/step"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// DefaultStepTimeout is used when neither the step nor Options set one.
const DefaultStepTimeout = 30 * time.Second

// Options controls one execution.
type Options struct {
	// Parallel runs steps concurrently when the flow has more than one.
	Parallel bool

	// MaxParallelSteps caps concurrent steps in parallel mode.
	MaxParallelSteps int

	// ContinueOnError runs the remaining steps after a failure.
	ContinueOnError bool

	// Validate checks each response against the step's expectation.
	Validate bool

	// StepTimeout applies to steps without their own timeout.
	StepTimeout time.Duration
}

// DefaultOptions validates responses and runs steps in order.
func DefaultOptions() Options {
	return Options{Validate: true, StepTimeout: DefaultStepTimeout}
}

// MetricsCollector records step outcomes.
type MetricsCollector interface {
	RecordStep(ctx context.Context, stepType, status string, duration time.Duration)
	RecordRetry(ctx context.Context, site string)
}

// StepObserver is called after every step finishes.
type StepObserver func(f *flow.TestFlow, res flow.StepResult)

// Executor runs flows step by step through a runner registry.
type Executor struct {
	registry  *step.Registry
	validator *step.Validator
	retry     *retry.Executor
	metrics   MetricsCollector
	logger    *slog.Logger
	defaults  Options
	observer  StepObserver
}

// Option configures an Executor.
type Option func(*Executor)

func WithValidator(v *step.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

func WithRetry(r *retry.Executor) Option {
	return func(e *Executor) { e.retry = r }
}

func WithMetrics(m MetricsCollector) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithDefaults sets the options used by Execute.
func WithDefaults(opts Options) Option {
	return func(e *Executor) { e.defaults = opts }
}

func WithStepObserver(fn StepObserver) Option {
	return func(e *Executor) { e.observer = fn }
}

// New creates an Executor over registry.
func New(registry *step.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		defaults: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = step.NewValidator()
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultConfig())
	}
	e.logger = log.WithComponent(log.OrDefault(e.logger), "executor")
	return e
}

// Execute runs f with the executor defaults. It satisfies parallel.Runner.
func (e *Executor) Execute(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionResult, error) {
	return e.ExecuteWithOptions(ctx, f, e.defaults)
}

// ExecuteWithOptions runs f and returns its result. The returned error is
// the first step failure; the result is always non-nil.
func (e *Executor) ExecuteWithOptions(ctx context.Context, f *flow.TestFlow, opts Options) (*flow.ExecutionResult, error) {
	start := time.Now()
	res := &flow.ExecutionResult{
		FlowID:    f.ID,
		FlowName:  f.Name,
		StartedAt: start,
	}
	logger := log.WithFlowContext(e.logger, f.ID, f.Name)
	logger.Debug("executing flow",
		slog.Int("steps", len(f.Config.Steps)),
		slog.Bool("parallel", opts.Parallel))

	var err error
	if opts.Parallel && len(f.Config.Steps) > 1 {
		res.Steps, err = e.runParallel(ctx, f, opts, logger)
	} else {
		res.Steps, err = e.runSequential(ctx, f, opts, logger)
	}

	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(start)
	res.Metrics = flow.ComputeMetrics(res.Steps)

	switch {
	case err == nil:
		res.Status = flow.StatusCompleted
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Status = flow.StatusCancelled
		res.Error = err.Error()
		res.Cause = err
	default:
		res.Status = flow.StatusFailed
		res.Error = err.Error()
		res.Cause = err
	}

	logger.Debug("flow executed",
		slog.String(log.StatusKey, string(res.Status)),
		slog.Int("failed_steps", res.Metrics.FailedSteps),
		log.Duration(res.Duration))
	return res, err
}

func (e *Executor) runSequential(ctx context.Context, f *flow.TestFlow, opts Options, logger *slog.Logger) ([]flow.StepResult, error) {
	steps := f.Config.Steps
	results := make([]flow.StepResult, 0, len(steps))
	var firstErr error

	for i := range steps {
		s := &steps[i]
		if firstErr != nil && (!opts.ContinueOnError || ctx.Err() != nil) {
			results = append(results, flow.StepResult{Name: s.Name, Type: s.Type, Status: flow.StepSkipped})
			continue
		}
		sr, err := e.runStep(ctx, f, s, opts, logger)
		results = append(results, sr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// runParallel treats each step as a single-step flow and runs them as a
// batch. Step results keep the declared order.
func (e *Executor) runParallel(ctx context.Context, f *flow.TestFlow, opts Options, logger *slog.Logger) ([]flow.StepResult, error) {
	steps := f.Config.Steps
	index := make(map[string]int, len(steps))
	minis := make([]*flow.TestFlow, len(steps))
	for i := range steps {
		mini := &flow.TestFlow{
			ID:       fmt.Sprintf("%s/%d", f.ID, i),
			Name:     steps[i].Name,
			FlowType: f.FlowType,
			Config: flow.FlowConfig{
				Steps:       steps[i : i+1],
				Parameters:  f.Config.Parameters,
				Environment: f.Config.Environment,
			},
		}
		index[mini.ID] = i
		minis[i] = mini
	}

	errs := make([]error, len(steps))
	runner := parallel.RunnerFunc(func(ctx context.Context, mini *flow.TestFlow) (*flow.ExecutionResult, error) {
		i := index[mini.ID]
		sr, err := e.runStep(ctx, f, &steps[i], opts, logger)
		errs[i] = err
		out := &flow.ExecutionResult{FlowID: mini.ID, Steps: []flow.StepResult{sr}, Status: flow.StatusCompleted}
		if err != nil {
			out.Status = flow.StatusFailed
			out.Error = err.Error()
		}
		return out, err
	})

	limit := opts.MaxParallelSteps
	if limit <= 0 {
		limit = len(steps)
	}
	batch := parallel.New(runner,
		parallel.WithLogger(e.logger),
		parallel.WithRetry(e.retry),
		parallel.WithMonitor(0, 0, nil))
	outs := batch.Execute(ctx, minis, parallel.Options{MaxConcurrent: limit})

	results := make([]flow.StepResult, len(steps))
	var firstErr error
	for i, out := range outs {
		if len(out.Steps) == 1 {
			results[i] = out.Steps[0]
		} else {
			// Never started.
			results[i] = flow.StepResult{Name: steps[i].Name, Type: steps[i].Type, Status: flow.StepSkipped, Error: out.Error}
		}
		if out.Status == flow.StatusCompleted || firstErr != nil {
			continue
		}
		switch {
		case errs[i] != nil:
			firstErr = errs[i]
		case ctx.Err() != nil:
			firstErr = ctx.Err()
		default:
			firstErr = &flowerrors.StepExecutionError{Step: steps[i].Name, StepType: string(steps[i].Type), Cause: errors.New(out.Error)}
		}
	}
	return results, firstErr
}

// runStep runs s with its own retry budget and returns its result.
func (e *Executor) runStep(ctx context.Context, f *flow.TestFlow, s *flow.Step, opts Options, logger *slog.Logger) (flow.StepResult, error) {
	logger = log.WithStepContext(logger, s.Name, string(s.Type))
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = opts.StepTimeout
	}
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	start := time.Now()
	resp, attempts, err := retry.Run(ctx, e.retry, s.Retries+1, func(ctx context.Context, attempt int) (*flow.Response, error) {
		if attempt > 0 && e.metrics != nil {
			e.metrics.RecordRetry(ctx, "step")
		}
		sc := step.NewContext(f, logger)
		sc.Attempt = attempt
		resp, err := e.attempt(ctx, s, sc, timeout, opts.Validate)
		if err != nil {
			logger.Debug("step attempt failed", slog.Int(log.AttemptKey, attempt), log.Error(err))
		}
		return resp, err
	})

	sr := flow.StepResult{
		Name:      s.Name,
		Type:      s.Type,
		StartedAt: start,
		Duration:  time.Since(start),
		Response:  resp,
		Attempts:  attempts,
		Status:    flow.StepPassed,
	}
	if err != nil {
		sr.Status = flow.StepFailed
		sr.Error = err.Error()
		logger.Warn("step failed", slog.Int("attempts", attempts), log.Error(err))
	}

	if e.metrics != nil {
		e.metrics.RecordStep(ctx, string(s.Type), string(sr.Status), sr.Duration)
	}
	if e.observer != nil {
		e.observer(f, sr)
	}
	return sr, err
}

// attempt runs s once under timeout. Runner and validation failures come
// back as StepExecutionError; an unknown step type stays a validation
// error and cancellation of ctx is returned as is.
func (e *Executor) attempt(ctx context.Context, s *flow.Step, sc *step.Context, timeout time.Duration, validate bool) (*flow.Response, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *flow.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := e.registry.Run(stepCtx, s, sc)
		if err == nil && validate {
			err = e.validator.Validate(stepCtx, s, resp)
		}
		done <- outcome{resp, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-stepCtx.Done():
		o.err = stepCtx.Err()
	}
	if o.err == nil {
		return o.resp, nil
	}

	if ctx.Err() != nil {
		return o.resp, ctx.Err()
	}
	var ve *flowerrors.ValidationError
	if errors.As(o.err, &ve) {
		return o.resp, o.err
	}

	// Step timeouts are retryable, so the deadline error is not chained.
	cause := o.err
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		cause = &flowerrors.TimeoutError{Operation: "step " + s.Name, Duration: timeout}
	}
	return o.resp, &flowerrors.StepExecutionError{
		Step:     s.Name,
		StepType: string(s.Type),
		Attempt:  sc.Attempt,
		Cause:    cause,
	}
}
