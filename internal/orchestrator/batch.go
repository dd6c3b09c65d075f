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

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/testflow/internal/events"
	"github.com/tombee/testflow/internal/executor"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/parallel"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// BatchOptions configures ExecuteBatch. Zero values take the configured
// defaults.
type BatchOptions struct {
	MaxConcurrent  int
	Timeout        time.Duration
	PriorityGroups bool

	// MaxRetries re-runs a failed flow. Negative disables retries.
	MaxRetries int

	// ParallelSteps runs each flow's steps concurrently.
	ParallelSteps bool

	// LaunchRate limits flow starts per second.
	LaunchRate float64
}

func (o *Orchestrator) batchDefaults(opts BatchOptions) BatchOptions {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = o.cfg.Execution.MaxConcurrentFlows
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.cfg.Execution.FlowTimeout
	}
	switch {
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	case opts.MaxRetries == 0:
		opts.MaxRetries = max(o.cfg.Retry.MaxAttempts-1, 0)
	}
	return opts
}

// ExecuteBatch runs flows concurrently and waits for every result. Results
// are in input order. Each flow gets a state record, and its outcome is
// published as a completed or failed event.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, flows []*flow.TestFlow, opts BatchOptions) []*flow.ExecutionResult {
	opts = o.batchDefaults(opts)
	logger := log.WithComponent(o.logger, "batch")
	metrics := o.telemetry.Collector()

	execOpts := executor.DefaultOptions()
	execOpts.StepTimeout = o.cfg.Execution.StepTimeout
	execOpts.Parallel = opts.ParallelSteps
	runner := parallel.RunnerFunc(func(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionResult, error) {
		return o.executor.ExecuteWithOptions(ctx, f, execOpts)
	})

	// Only flows whose state this batch created are finalized by it.
	var owned sync.Map

	pe := parallel.New(runner,
		parallel.WithRetry(o.retry),
		parallel.WithLogger(o.logger),
		parallel.WithMonitor(o.cfg.Execution.CheckInterval, o.cfg.Resources.WarnThreshold, nil),
	)
	logger.Info("batch started",
		slog.Int("flows", len(flows)),
		slog.Int("max_concurrent", opts.MaxConcurrent),
		log.Duration(opts.Timeout))

	results := pe.Execute(ctx, flows, parallel.Options{
		MaxConcurrent:  opts.MaxConcurrent,
		Timeout:        opts.Timeout,
		PriorityGroups: opts.PriorityGroups,
		MaxRetries:     opts.MaxRetries,
		LaunchRate:     opts.LaunchRate,
		BeforeFlow: func(ctx context.Context, f *flow.TestFlow) error {
			if err := f.Validate(); err != nil {
				return err
			}
			if _, err := o.store.Initialize(ctx, f); err != nil {
				return err
			}
			owned.Store(f.ID, struct{}{})
			if _, err := o.store.Update(ctx, f.ID, func(st *flow.ExecutionState) {
				st.Status = flow.StatusRunning
				st.Metrics.StartTime = time.Now()
			}); err != nil {
				return err
			}
			metrics.RecordFlowStart(ctx, f.ID, f.Name)
			o.publish(events.Started, f, events.Payload{Status: flow.StatusRunning})
			return nil
		},
		AfterFlow: func(ctx context.Context, f *flow.TestFlow, res *flow.ExecutionResult) {
			if _, ok := owned.Load(f.ID); !ok {
				return
			}
			o.finalizeBatchFlow(context.WithoutCancel(ctx), f, res, logger)
		},
	})

	completed := 0
	for _, r := range results {
		if r.Succeeded() {
			completed++
		}
	}
	logger.Info("batch finished",
		slog.Int("flows", len(results)),
		slog.Int("completed", completed),
		slog.Int("failed", len(results)-completed))
	return results
}

func (o *Orchestrator) finalizeBatchFlow(ctx context.Context, f *flow.TestFlow, res *flow.ExecutionResult, logger *slog.Logger) {
	errorType := ""
	if res.Status == flow.StatusFailed {
		errorType = "execution"
	}

	_, err := o.store.Update(ctx, f.ID, func(st *flow.ExecutionState) {
		st.Status = res.Status
		st.Result = res
		st.Error = res.Error
		st.ErrorType = errorType
		st.Metrics.EndTime = res.CompletedAt
		st.Metrics.RetryCount = res.RetryCount
	})
	if err != nil && !flowerrors.IsTerminalState(err) {
		logger.Error("failed to record batch result", slog.String(log.FlowIDKey, f.ID), log.Error(err))
		o.publish(events.Error, f, events.Payload{Err: err.Error(), ErrorType: flowerrors.Type(err)})
	}

	o.telemetry.Collector().RecordFlowComplete(ctx, f.ID, f.Name, string(res.Status), res.Duration)
	p := events.Payload{Status: res.Status, Result: res, Attempt: res.RetryCount + 1}
	if res.Status == flow.StatusCompleted {
		o.publish(events.Completed, f, p)
		return
	}
	p.Err = res.Error
	p.ErrorType = errorType
	o.publish(events.Failed, f, p)
}

func (o *Orchestrator) publish(typ events.Type, f *flow.TestFlow, p events.Payload) {
	p.FlowName = f.Name
	o.bus.Publish(events.Event{Type: typ, FlowID: f.ID, Timestamp: time.Now(), Payload: p})
}
