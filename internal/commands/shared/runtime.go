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

package shared

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/orchestrator"
)

// LoadConfig loads the file named by --config together with the
// environment. --verbose lowers the log level to debug.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("cannot load configuration", err)
	}
	if GetVerbose() {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// NewLogger builds the command logger. Records go to w, or stderr when w
// is nil. --quiet suppresses everything below warn.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lc := log.FromEnv()
	if os.Getenv("LOG_LEVEL") == "" && os.Getenv("TESTFLOW_DEBUG") == "" {
		lc.Level = cfg.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		lc.Format = log.Format(cfg.Log.Format)
	}
	if GetVerbose() {
		lc.Level = "debug"
	}
	if GetQuiet() {
		lc.Level = "warn"
	}
	lc.AddSource = lc.AddSource || cfg.Log.AddSource
	lc.Output = w
	return log.New(lc)
}

// NewOrchestrator builds and starts an orchestrator for a command.
func NewOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	v, _, _ := GetVersion()
	o, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger), orchestrator.WithVersion(v))
	if err != nil {
		return nil, NewConfigError("cannot start orchestrator", err)
	}
	if err := o.Start(ctx); err != nil {
		_ = o.Close(ctx)
		return nil, err
	}
	return o, nil
}
