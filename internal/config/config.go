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

// Package config loads orchestrator settings from a YAML file and
// TESTFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	flowerrors "github.com/tombee/testflow/pkg/errors"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete orchestrator configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Execution ExecutionConfig `yaml:"execution"`
	Retry     RetryConfig     `yaml:"retry"`
	Resources ResourceConfig  `yaml:"resources"`
	State     StateConfig     `yaml:"state"`
	Backend   BackendConfig   `yaml:"backend"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `yaml:"level"`

	// Format is json or text
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// SchedulerConfig bounds the task queue.
type SchedulerConfig struct {
	// Workers is the number of tasks executing at once
	Workers int `yaml:"workers"`

	// MaxQueueSize caps pending plus in-flight tasks
	MaxQueueSize int `yaml:"max_queue_size"`

	// TaskTimeout bounds a task from admission to completion
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// ExecutionConfig bounds flow and step execution.
type ExecutionConfig struct {
	// MaxConcurrentFlows is the default batch concurrency
	MaxConcurrentFlows int `yaml:"max_concurrent_flows"`

	// FlowTimeout is the default per-flow budget in a batch
	FlowTimeout time.Duration `yaml:"flow_timeout"`

	// StepTimeout applies to steps without their own timeout
	StepTimeout time.Duration `yaml:"step_timeout"`

	// CheckInterval is how often the tracker watchdog runs
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxExecutionTime is the watchdog budget for one tracked flow
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// RetryConfig configures backoff for every retry site.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// Jitter is the multiplicative jitter fraction (0.1 = ±10%)
	Jitter float64 `yaml:"jitter"`
}

// ResourceConfig configures the resource pool.
type ResourceConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxWait       time.Duration `yaml:"max_wait"`
	PollInterval  time.Duration `yaml:"poll_interval"`

	// WarnThreshold is the utilization fraction that triggers a warning
	WarnThreshold float64 `yaml:"warn_threshold"`

	// Inventory lists the resources the pool starts with
	Inventory []ResourceSpec `yaml:"inventory"`
}

// ResourceSpec declares Count resources of Type, each with Capacity.
type ResourceSpec struct {
	Type     string `yaml:"type"`
	Count    int    `yaml:"count"`
	Capacity int    `yaml:"capacity"`
}

// StateConfig configures the state cache sweep.
type StateConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// BackendConfig selects durable storage for flow records.
type BackendConfig struct {
	// Type is memory, sqlite, postgres, redis or dynamodb
	Type string `yaml:"type"`

	// DSN is the sqlite path, postgres connection string or redis URL
	DSN string `yaml:"dsn"`

	// Table is the DynamoDB table name
	Table string `yaml:"table"`

	// Region and Endpoint configure the DynamoDB client
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// KeyPrefix namespaces redis keys
	KeyPrefix string `yaml:"key_prefix"`
}

// ArchiveConfig configures the result archiver. An empty URL disables it.
type ArchiveConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr serves /metrics when non-empty
	MetricsAddr string `yaml:"metrics_addr"`

	ServiceName string `yaml:"service_name"`

	// TraceExporter is none, stdout, otlp (gRPC) or otlp_http
	TraceExporter string `yaml:"trace_exporter"`

	// TraceEndpoint is the OTLP collector host:port
	TraceEndpoint string `yaml:"trace_endpoint"`

	// TraceInsecure disables TLS for OTLP export
	TraceInsecure bool `yaml:"trace_insecure"`

	TraceHeaders map[string]string `yaml:"trace_headers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Scheduler: SchedulerConfig{
			Workers:      5,
			MaxQueueSize: 100,
			TaskTimeout:  5 * time.Minute,
		},
		Execution: ExecutionConfig{
			MaxConcurrentFlows: 5,
			FlowTimeout:        60 * time.Second,
			StepTimeout:        30 * time.Second,
			CheckInterval:      5 * time.Second,
			MaxExecutionTime:   30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: time.Second,
			MaxBackoff:  30 * time.Second,
			Jitter:      0.1,
		},
		Resources: ResourceConfig{
			CheckInterval: 10 * time.Second,
			MaxWait:       30 * time.Second,
			PollInterval:  100 * time.Millisecond,
			WarnThreshold: 0.8,
			Inventory:     DefaultInventory(),
		},
		State: StateConfig{
			CheckInterval: time.Minute,
			MaxAge:        time.Hour,
		},
		Backend: BackendConfig{
			Type:      "memory",
			Table:     "testflow_flows",
			KeyPrefix: "testflow:",
		},
		Archive: ArchiveConfig{
			Prefix: "results/",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "testflow",
			TraceExporter: "none",
		},
	}
}

// DefaultInventory is four cpu units and four memory units.
func DefaultInventory() []ResourceSpec {
	return []ResourceSpec{
		{Type: "cpu", Count: 4, Capacity: 100},
		{Type: "memory", Count: 4, Capacity: 1024},
	}
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flowerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &flowerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = d.Scheduler.Workers
	}
	if c.Scheduler.MaxQueueSize == 0 {
		c.Scheduler.MaxQueueSize = d.Scheduler.MaxQueueSize
	}
	if c.Scheduler.TaskTimeout == 0 {
		c.Scheduler.TaskTimeout = d.Scheduler.TaskTimeout
	}

	if c.Execution.MaxConcurrentFlows == 0 {
		c.Execution.MaxConcurrentFlows = d.Execution.MaxConcurrentFlows
	}
	if c.Execution.FlowTimeout == 0 {
		c.Execution.FlowTimeout = d.Execution.FlowTimeout
	}
	if c.Execution.StepTimeout == 0 {
		c.Execution.StepTimeout = d.Execution.StepTimeout
	}
	if c.Execution.CheckInterval == 0 {
		c.Execution.CheckInterval = d.Execution.CheckInterval
	}
	if c.Execution.MaxExecutionTime == 0 {
		c.Execution.MaxExecutionTime = d.Execution.MaxExecutionTime
	}

	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = d.Retry.BaseBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = d.Retry.MaxBackoff
	}

	if c.Resources.CheckInterval == 0 {
		c.Resources.CheckInterval = d.Resources.CheckInterval
	}
	if c.Resources.MaxWait == 0 {
		c.Resources.MaxWait = d.Resources.MaxWait
	}
	if c.Resources.PollInterval == 0 {
		c.Resources.PollInterval = d.Resources.PollInterval
	}
	if c.Resources.WarnThreshold == 0 {
		c.Resources.WarnThreshold = d.Resources.WarnThreshold
	}
	if len(c.Resources.Inventory) == 0 {
		c.Resources.Inventory = d.Resources.Inventory
	}

	if c.State.CheckInterval == 0 {
		c.State.CheckInterval = d.State.CheckInterval
	}
	if c.State.MaxAge == 0 {
		c.State.MaxAge = d.State.MaxAge
	}

	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.Table == "" {
		c.Backend.Table = d.Backend.Table
	}
	if c.Backend.KeyPrefix == "" {
		c.Backend.KeyPrefix = d.Backend.KeyPrefix
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = d.Archive.Prefix
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = d.Telemetry.TraceExporter
	}
}

// loadFromEnv applies TESTFLOW_* overrides. Unparseable values are
// reported as ConfigError rather than silently ignored.
func (c *Config) loadFromEnv() error {
	ints := []struct {
		env    string
		target *int
	}{
		{"TESTFLOW_WORKERS", &c.Scheduler.Workers},
		{"TESTFLOW_MAX_QUEUE_SIZE", &c.Scheduler.MaxQueueSize},
		{"TESTFLOW_MAX_CONCURRENT_FLOWS", &c.Execution.MaxConcurrentFlows},
		{"TESTFLOW_MAX_RETRY_ATTEMPTS", &c.Retry.MaxAttempts},
	}
	for _, e := range ints {
		if val := os.Getenv(e.env); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return &flowerrors.ConfigError{Key: e.env, Reason: fmt.Sprintf("invalid integer %q", val), Cause: err}
			}
			*e.target = n
		}
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"TESTFLOW_TASK_TIMEOUT", &c.Scheduler.TaskTimeout},
		{"TESTFLOW_FLOW_TIMEOUT", &c.Execution.FlowTimeout},
		{"TESTFLOW_STEP_TIMEOUT", &c.Execution.StepTimeout},
		{"TESTFLOW_EXECUTION_CHECK_INTERVAL", &c.Execution.CheckInterval},
		{"TESTFLOW_MAX_EXECUTION_TIME", &c.Execution.MaxExecutionTime},
		{"TESTFLOW_BASE_BACKOFF", &c.Retry.BaseBackoff},
		{"TESTFLOW_MAX_BACKOFF", &c.Retry.MaxBackoff},
		{"TESTFLOW_RESOURCE_CHECK_INTERVAL", &c.Resources.CheckInterval},
		{"TESTFLOW_MAX_RESOURCE_WAIT", &c.Resources.MaxWait},
		{"TESTFLOW_RESOURCE_POLL_INTERVAL", &c.Resources.PollInterval},
		{"TESTFLOW_STATE_CHECK_INTERVAL", &c.State.CheckInterval},
		{"TESTFLOW_MAX_STATE_AGE", &c.State.MaxAge},
	}
	for _, e := range durations {
		if val := os.Getenv(e.env); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return &flowerrors.ConfigError{Key: e.env, Reason: fmt.Sprintf("invalid duration %q", val), Cause: err}
			}
			*e.target = d
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("TESTFLOW_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("TESTFLOW_BACKEND_DSN"); val != "" {
		c.Backend.DSN = val
	}
	if val := os.Getenv("TESTFLOW_ARCHIVE_URL"); val != "" {
		c.Archive.URL = val
	}
	if val := os.Getenv("TESTFLOW_METRICS_ADDR"); val != "" {
		c.Telemetry.MetricsAddr = val
	}
	if val := os.Getenv("TESTFLOW_TRACE_EXPORTER"); val != "" {
		c.Telemetry.TraceExporter = strings.ToLower(val)
	}
	if val := os.Getenv("TESTFLOW_TRACE_ENDPOINT"); val != "" {
		c.Telemetry.TraceEndpoint = val
	}
	if val := os.Getenv("TESTFLOW_TRACE_INSECURE"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return &flowerrors.ConfigError{Key: "TESTFLOW_TRACE_INSECURE", Reason: fmt.Sprintf("invalid boolean %q", val), Cause: err}
		}
		c.Telemetry.TraceInsecure = b
	}

	return nil
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.MaxQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_queue_size must be at least 1, got %d", c.Scheduler.MaxQueueSize))
	}
	if c.Scheduler.TaskTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.task_timeout must be positive, got %v", c.Scheduler.TaskTimeout))
	}

	if c.Execution.MaxConcurrentFlows < 1 {
		errs = append(errs, fmt.Sprintf("execution.max_concurrent_flows must be at least 1, got %d", c.Execution.MaxConcurrentFlows))
	}
	for name, d := range map[string]time.Duration{
		"execution.flow_timeout":       c.Execution.FlowTimeout,
		"execution.step_timeout":       c.Execution.StepTimeout,
		"execution.check_interval":     c.Execution.CheckInterval,
		"execution.max_execution_time": c.Execution.MaxExecutionTime,
		"resources.check_interval":     c.Resources.CheckInterval,
		"resources.max_wait":           c.Resources.MaxWait,
		"resources.poll_interval":      c.Resources.PollInterval,
		"state.check_interval":         c.State.CheckInterval,
		"state.max_age":                c.State.MaxAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %v", name, d))
		}
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("retry.max_attempts cannot be negative, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseBackoff <= 0 {
		errs = append(errs, fmt.Sprintf("retry.base_backoff must be positive, got %v", c.Retry.BaseBackoff))
	}
	if c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		errs = append(errs, fmt.Sprintf("retry.max_backoff (%v) must be >= retry.base_backoff (%v)", c.Retry.MaxBackoff, c.Retry.BaseBackoff))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Sprintf("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter))
	}

	if c.Resources.WarnThreshold <= 0 || c.Resources.WarnThreshold > 1 {
		errs = append(errs, fmt.Sprintf("resources.warn_threshold must be in (0, 1], got %v", c.Resources.WarnThreshold))
	}
	for i, spec := range c.Resources.Inventory {
		if spec.Type == "" {
			errs = append(errs, fmt.Sprintf("resources.inventory[%d].type is required", i))
		}
		if spec.Count < 1 {
			errs = append(errs, fmt.Sprintf("resources.inventory[%d].count must be at least 1, got %d", i, spec.Count))
		}
		if spec.Capacity < 1 {
			errs = append(errs, fmt.Sprintf("resources.inventory[%d].capacity must be at least 1, got %d", i, spec.Capacity))
		}
	}

	switch c.Backend.Type {
	case "memory":
	case "sqlite", "postgres", "redis":
		if c.Backend.DSN == "" && c.Backend.Type != "sqlite" {
			errs = append(errs, fmt.Sprintf("backend.dsn is required for the %s backend", c.Backend.Type))
		}
	case "dynamodb":
		if c.Backend.Table == "" {
			errs = append(errs, "backend.table is required for the dynamodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite, postgres, redis, dynamodb], got %q", c.Backend.Type))
	}

	switch c.Telemetry.TraceExporter {
	case "", "none", "stdout":
	case "otlp", "otlp_http":
		if c.Telemetry.TraceEndpoint == "" {
			errs = append(errs, fmt.Sprintf("telemetry.trace_endpoint is required for the %s exporter", c.Telemetry.TraceExporter))
		}
	default:
		errs = append(errs, fmt.Sprintf("telemetry.trace_exporter must be one of [none, stdout, otlp, otlp_http], got %q", c.Telemetry.TraceExporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
