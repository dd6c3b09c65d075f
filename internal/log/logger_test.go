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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("debug takes precedence", func(t *testing.T) {
		t.Setenv("TESTFLOW_DEBUG", "1")
		t.Setenv("LOG_LEVEL", "error")
		cfg := FromEnv()
		assert.Equal(t, "debug", cfg.Level)
		assert.True(t, cfg.AddSource)
	})

	t.Run("level and format", func(t *testing.T) {
		t.Setenv("TESTFLOW_DEBUG", "")
		t.Setenv("LOG_LEVEL", "WARN")
		t.Setenv("LOG_FORMAT", "TEXT")
		cfg := FromEnv()
		assert.Equal(t, "warn", cfg.Level)
		assert.Equal(t, FormatText, cfg.Format)
		assert.False(t, cfg.AddSource)
	})
}

func TestNewJSONWithFlowContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	logger = WithFlowContext(WithComponent(logger, "tracker"), "f-1", "checkout")
	logger.Info("flow started", Duration(1500*time.Millisecond))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "tracker", rec["component"])
	assert.Equal(t, "f-1", rec[FlowIDKey])
	assert.Equal(t, "checkout", rec[FlowNameKey])
	assert.Equal(t, float64(1500), rec[DurationKey])
}

func TestTraceRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Trace(New(&Config{Level: "debug", Output: &buf}), "payload")
	assert.Empty(t, buf.String())

	Trace(New(&Config{Level: "trace", Output: &buf}), "payload")
	assert.Contains(t, buf.String(), "payload")
}

func TestDiscardAndOrDefault(t *testing.T) {
	assert.NotNil(t, OrDefault(nil))
	d := Discard()
	assert.False(t, d.Enabled(context.Background(), slog.LevelError))
}
