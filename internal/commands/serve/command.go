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

// Package serve implements the long-running testflow serve command.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/commands/shared"
	"github.com/tombee/testflow/internal/loader"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/orchestrator"
	"github.com/tombee/testflow/internal/trigger"
	"github.com/tombee/testflow/internal/watch"
	"github.com/tombee/testflow/pkg/flow"
)

type options struct {
	watchDir     string
	pattern      string
	debounce     time.Duration
	crons        []string
	metricsAddr  string
	drainTimeout time.Duration
}

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Serve keeps an orchestrator running. Flow files can be scheduled when
they change on disk (--watch) or on a cron schedule (--cron).

Cron entries take the form "<schedule>=<flow-file>". Schedules use five
standard fields, an optional leading seconds field, or a descriptor such
as @hourly or "@every 10m".`,
		Example: `  testflow serve --watch flows/ --pattern 'smoke/**/*.yaml'
  testflow serve --cron '0 */15 * * * *=flows/health.yaml' --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.watchDir, "watch", "", "Schedule flow files in this directory when they change")
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "Glob selecting watched flow files")
	cmd.Flags().DurationVar(&opts.debounce, "debounce", watch.DefaultDebounce, "Quiet period before a changed file is scheduled")
	cmd.Flags().StringArrayVar(&opts.crons, "cron", nil, "Cron trigger as <schedule>=<flow-file> (repeatable)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	cmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", 30*time.Second, "Time allowed for running flows on shutdown")
	return cmd
}

// ParseCron splits a "<schedule>=<file>" flag value at the last '='.
func ParseCron(value string) (schedule, path string, err error) {
	i := strings.LastIndex(value, "=")
	if i <= 0 || i == len(value)-1 {
		return "", "", fmt.Errorf("invalid --cron %q: want <schedule>=<flow-file>", value)
	}
	schedule = strings.TrimSpace(value[:i])
	path = strings.TrimSpace(value[i+1:])
	if err := trigger.Validate(schedule); err != nil {
		return "", "", err
	}
	return schedule, path, nil
}

func runServe(cmd *cobra.Command, opts options) error {
	type cronEntry struct{ schedule, path string }
	var entries []cronEntry
	for _, v := range opts.crons {
		s, p, err := ParseCron(v)
		if err != nil {
			return shared.NewConfigError("invalid cron trigger", err)
		}
		if _, err := loader.LoadFile(p); err != nil {
			return shared.NewInvalidFlowError("cannot load cron flow", err)
		}
		entries = append(entries, cronEntry{s, p})
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = opts.metricsAddr
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := shared.NewLogger(cfg, cmd.ErrOrStderr())

	o, err := shared.NewOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		srv, err = startMetrics(addr, o, logger)
		if err != nil {
			_ = o.Close(ctx)
			return shared.NewConfigError("cannot serve metrics", err)
		}
	}

	// Scheduled flows outlive the signal so Close can drain them.
	flowCtx := context.WithoutCancel(ctx)
	scheduleFlow := func(_ context.Context, f *flow.TestFlow) error {
		return o.ScheduleFlow(flowCtx, f)
	}
	schedulePath := func(path string) {
		f, err := loader.LoadFile(path)
		if err != nil {
			logger.Warn("ignoring invalid flow file", slog.String("path", path), log.Error(err))
			return
		}
		if err := scheduleFlow(flowCtx, f); err != nil {
			logger.Warn("flow not scheduled", slog.String(log.FlowIDKey, f.ID), log.Error(err))
		}
	}

	var w *watch.Watcher
	if opts.watchDir != "" {
		w, err = watch.New(opts.watchDir, opts.pattern, schedulePath,
			watch.WithDebounce(opts.debounce), watch.WithLogger(logger))
		if err != nil {
			_ = o.Close(ctx)
			return shared.NewConfigError("cannot watch flows", err)
		}
		w.Start(ctx)
	}

	trg := trigger.New(scheduleFlow, trigger.WithLogger(logger))
	for _, e := range entries {
		if _, err := trg.Add(e.schedule, e.path); err != nil {
			_ = o.Close(ctx)
			return shared.NewConfigError("invalid cron trigger", err)
		}
	}
	trg.Start()

	logger.Info("serving",
		slog.String("watch", opts.watchDir),
		slog.Int("cron_triggers", len(entries)),
		slog.String("metrics_addr", cfg.Telemetry.MetricsAddr))
	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.drainTimeout)
	defer cancel()

	var errs []error
	if err := trg.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if w != nil {
		_ = w.Close()
		w.Wait()
	}
	if err := o.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func startMetrics(addr string, o *orchestrator.Orchestrator, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: Handler(o), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", log.Error(err))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", ln.Addr().String()))
	return srv, nil
}

// Handler serves /metrics from the orchestrator's telemetry and /healthz
// with a JSON summary.
func Handler(o *orchestrator.Orchestrator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.Telemetry().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = shared.EmitJSON(w, o.Stats())
	})
	return mux
}
