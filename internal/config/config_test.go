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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/tombee/testflow/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  workers: 2
  max_queue_size: 10
execution:
  step_timeout: 3s
resources:
  inventory:
    - type: gpu
      count: 1
      capacity: 8
backend:
  type: sqlite
  dsn: /tmp/flows.db
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, 10, cfg.Scheduler.MaxQueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 3*time.Second, cfg.Execution.StepTimeout)
	assert.Equal(t, []ResourceSpec{{Type: "gpu", Count: 1, Capacity: 8}}, cfg.Resources.Inventory)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, 0.1, cfg.Retry.Jitter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var ce *flowerrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "config_file", ce.Key)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TESTFLOW_MAX_QUEUE_SIZE", "7")
	t.Setenv("TESTFLOW_TASK_TIMEOUT", "90s")
	t.Setenv("TESTFLOW_MAX_BACKOFF", "1m")
	t.Setenv("TESTFLOW_BACKEND", "REDIS")
	t.Setenv("TESTFLOW_BACKEND_DSN", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TESTFLOW_TRACE_EXPORTER", "OTLP_HTTP")
	t.Setenv("TESTFLOW_TRACE_ENDPOINT", "collector:4318")
	t.Setenv("TESTFLOW_TRACE_INSECURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.MaxQueueSize)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, time.Minute, cfg.Retry.MaxBackoff)
	assert.Equal(t, "redis", cfg.Backend.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "otlp_http", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "collector:4318", cfg.Telemetry.TraceEndpoint)
	assert.True(t, cfg.Telemetry.TraceInsecure)
}

func TestEnvInvalidValue(t *testing.T) {
	t.Setenv("TESTFLOW_WORKERS", "many")
	_, err := Load("")
	var ce *flowerrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "TESTFLOW_WORKERS", ce.Key)

	t.Setenv("TESTFLOW_WORKERS", "")
	t.Setenv("TESTFLOW_STEP_TIMEOUT", "soon")
	_, err = Load("")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "TESTFLOW_STEP_TIMEOUT", ce.Key)

	t.Setenv("TESTFLOW_STEP_TIMEOUT", "")
	t.Setenv("TESTFLOW_TRACE_INSECURE", "maybe")
	_, err = Load("")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "TESTFLOW_TRACE_INSECURE", ce.Key)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{"workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"queue", func(c *Config) { c.Scheduler.MaxQueueSize = 0 }, "scheduler.max_queue_size"},
		{"backoff order", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, "retry.max_backoff"},
		{"jitter", func(c *Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"threshold", func(c *Config) { c.Resources.WarnThreshold = 2 }, "resources.warn_threshold"},
		{"inventory", func(c *Config) { c.Resources.Inventory = []ResourceSpec{{Type: "cpu"}} }, "resources.inventory[0].count"},
		{"backend type", func(c *Config) { c.Backend.Type = "mongo" }, "backend.type"},
		{"postgres dsn", func(c *Config) { c.Backend.Type = "postgres" }, "backend.dsn"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"state age", func(c *Config) { c.State.MaxAge = 0 }, "state.max_age"},
		{"trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "telemetry.trace_exporter"},
		{"otlp endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "telemetry.trace_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestSQLitePath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	p, err := BackendConfig{}.SQLitePath()
	require.NoError(t, err)
	assert.Equal(t, "testflow.db", filepath.Base(p))

	p, err = BackendConfig{DSN: "/x/y.db"}.SQLitePath()
	require.NoError(t, err)
	assert.Equal(t, "/x/y.db", p)
}
