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

// Package orchestrator wires the resource pool, state store, scheduler,
// tracker and executors into one service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/testflow/internal/archive"
	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/events"
	"github.com/tombee/testflow/internal/executor"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/resource"
	"github.com/tombee/testflow/internal/retry"
	"github.com/tombee/testflow/internal/scheduler"
	"github.com/tombee/testflow/internal/state"
	"github.com/tombee/testflow/internal/step"
	"github.com/tombee/testflow/internal/telemetry"
	"github.com/tombee/testflow/internal/tracker"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

var (
	// ErrNotStarted is returned by ScheduleFlow and TrackFlow before Start.
	ErrNotStarted = errors.New("orchestrator is not started")

	// ErrClosed is returned once Close has begun.
	ErrClosed = errors.New("orchestrator is closed")
)

// cleanupTimeout bounds the work Close does after the drain deadline.
const cleanupTimeout = 5 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBackend uses be instead of opening cfg.Backend. The orchestrator
// closes it.
func WithBackend(be backend.Backend) Option {
	return func(o *Orchestrator) { o.backend = be }
}

// WithRegistry replaces the built-in step runners.
func WithRegistry(r *step.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithTelemetry uses p instead of creating a provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(o *Orchestrator) { o.telemetry = p }
}

// WithVersion sets the service version reported by telemetry.
func WithVersion(v string) Option {
	return func(o *Orchestrator) { o.version = v }
}

// Orchestrator is the entry point for running test flows.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	backend   backend.Backend
	registry  *step.Registry
	telemetry *telemetry.Provider
	retry     *retry.Executor
	bus       *events.Bus
	store     *state.Store
	pool      *resource.Pool
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	tracker   *tracker.Tracker
	archiver  *archive.Archiver

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an Orchestrator from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &flowerrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}

	o := &Orchestrator{cfg: cfg, version: "dev"}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = log.OrDefault(o.logger)

	if o.backend == nil {
		be, err := OpenBackend(ctx, cfg.Backend)
		if err != nil {
			return nil, err
		}
		o.backend = be
	}
	if o.telemetry == nil {
		exp, err := telemetry.NewSpanExporter(ctx, telemetry.ExporterConfig{
			Type:     cfg.Telemetry.TraceExporter,
			Endpoint: cfg.Telemetry.TraceEndpoint,
			Insecure: cfg.Telemetry.TraceInsecure,
			Headers:  cfg.Telemetry.TraceHeaders,
		})
		if err != nil {
			_ = o.backend.Close()
			return nil, err
		}
		p, err := telemetry.New(cfg.Telemetry.ServiceName, o.version, telemetry.WithSpanExporter(exp))
		if err != nil {
			_ = o.backend.Close()
			return nil, err
		}
		o.telemetry = p
	}
	if o.registry == nil {
		o.registry = step.NewBuiltinRegistry(o.logger)
	}

	metrics := o.telemetry.Collector()
	o.retry = retry.New(retry.FromConfig(cfg.Retry), retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		o.logger.Debug("retrying",
			slog.Int(log.AttemptKey, attempt),
			slog.Duration("delay", delay),
			log.Error(err))
	}))
	o.bus = events.NewBus()
	o.bus.AddObserver(events.LogObserver(o.logger))

	o.store = state.New(o.backend, state.Options{
		CheckInterval: cfg.State.CheckInterval,
		MaxAge:        cfg.State.MaxAge,
		Logger:        o.logger,
	})

	poolOpts := resource.OptionsFromConfig(cfg.Resources)
	poolOpts.Logger = o.logger
	poolOpts.OnSample = func(s resource.Stats) { metrics.ObserveUtilization(s.Utilization) }
	o.pool = resource.New(cfg.Resources.Inventory, poolOpts)

	execDefaults := executor.DefaultOptions()
	execDefaults.StepTimeout = cfg.Execution.StepTimeout
	o.executor = executor.New(o.registry,
		executor.WithRetry(o.retry),
		executor.WithMetrics(metrics),
		executor.WithLogger(o.logger),
		executor.WithDefaults(execDefaults),
	)

	schedOpts := scheduler.OptionsFromConfig(cfg.Scheduler)
	schedOpts.Retry = o.retry
	schedOpts.State = o.store
	schedOpts.Pool = o.pool
	schedOpts.Events = o.bus
	schedOpts.Metrics = metrics
	schedOpts.Logger = o.logger
	o.scheduler = scheduler.New(o.executor, schedOpts)

	trackOpts := tracker.OptionsFromConfig(cfg.Execution)
	trackOpts.Retry = o.retry
	trackOpts.Events = o.bus
	trackOpts.Tracer = o.telemetry.Tracer()
	trackOpts.Metrics = metrics
	trackOpts.Logger = o.logger
	o.tracker = tracker.New(o.scheduler, o.store, o.pool, trackOpts)

	if cfg.Archive.URL != "" {
		a, err := archive.Open(ctx, cfg.Archive.URL, cfg.Archive.Prefix, o.logger)
		if err != nil {
			_ = o.backend.Close()
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		a.Subscribe(o.bus, 64)
		o.archiver = a
	}

	return o, nil
}

// Start launches the pool monitor, the state sweep and the scheduler
// workers. They stop when ctx is done or Close is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return nil
	}
	o.started = true

	o.pool.Start(ctx)
	o.store.Start(ctx)
	o.scheduler.Start(ctx)
	o.logger.Info("orchestrator started",
		slog.String("backend", o.cfg.Backend.Type),
		slog.Int("workers", o.cfg.Scheduler.Workers),
		slog.Int("queue_capacity", o.cfg.Scheduler.MaxQueueSize))
	return nil
}

func (o *Orchestrator) ready() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return ErrClosed
	case !o.started:
		return ErrNotStarted
	}
	return nil
}

// ScheduleFlow admits f for tracked execution and returns once its state
// is RUNNING. The outcome is reported through events and GetFlowState.
func (o *Orchestrator) ScheduleFlow(ctx context.Context, f *flow.TestFlow) error {
	if err := o.ready(); err != nil {
		return err
	}
	return o.tracker.Schedule(ctx, f)
}

// TrackFlow runs f through the tracker and blocks until it is terminal.
func (o *Orchestrator) TrackFlow(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionState, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.tracker.Execute(ctx, f)
}

// CancelFlow cancels a tracked flow. It reports whether the flow was active.
func (o *Orchestrator) CancelFlow(flowID string) bool {
	return o.tracker.Cancel(flowID)
}

// GetFlowState returns the current state of a flow.
func (o *Orchestrator) GetFlowState(ctx context.Context, flowID string) (*flow.ExecutionState, error) {
	return o.store.Get(ctx, flowID)
}

// ListFlows returns stored flow records matching filter.
func (o *Orchestrator) ListFlows(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	return o.store.List(ctx, filter)
}

// Subscribe delivers lifecycle events of the given types, or all types when
// none are named. Call the returned func to unsubscribe.
func (o *Orchestrator) Subscribe(buffer int, types ...events.Type) (<-chan events.Event, func()) {
	return o.bus.Subscribe(buffer, types...)
}

// Stats summarizes the orchestrator for status output.
type Stats struct {
	Queued      int
	Pending     int
	Running     int
	Tracked     int
	ActiveFlows int
	Resources   resource.Stats
}

// Stats returns a point-in-time summary.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Queued:      o.scheduler.QueueLength(),
		Pending:     o.scheduler.Pending(),
		Running:     o.scheduler.Running(),
		Tracked:     len(o.tracker.Active()),
		ActiveFlows: o.telemetry.Collector().ActiveFlows(),
		Resources:   o.pool.Stats(),
	}
}

// Telemetry returns the metrics and tracing provider.
func (o *Orchestrator) Telemetry() *telemetry.Provider {
	return o.telemetry
}

// Archiver returns the result archiver, or nil when archiving is disabled.
func (o *Orchestrator) Archiver() *archive.Archiver {
	return o.archiver
}

// Close drains tracked flows until ctx is done, then cancels what remains,
// force-deallocates every resource and closes storage.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.logger.Info("orchestrator shutting down", slog.Int("tracked", len(o.tracker.Active())))

	var errs []error
	if err := o.tracker.Wait(ctx); err != nil {
		o.logger.Warn("drain deadline exceeded", slog.Int("remaining", len(o.tracker.Active())))
	}
	if err := o.scheduler.Stop(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		errs = append(errs, err)
	}

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.tracker.Close(cleanup); err != nil {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	if o.archiver != nil {
		if err := o.archiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if err := o.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("resource pool: %w", err))
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("state store: %w", err))
	}
	if err := o.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("step runners: %w", err))
	}
	if err := o.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if err := o.telemetry.Shutdown(cleanup); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}
