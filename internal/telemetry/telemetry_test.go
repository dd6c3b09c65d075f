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

package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestCollectorRecordsFlowLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := New("testflow-test", "dev", WithReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx := context.Background()
	c := p.Collector()
	c.RecordFlowStart(ctx, "f1", "checkout")
	assert.Equal(t, 1, c.ActiveFlows())

	c.RecordStep(ctx, "rest", "passed", 20*time.Millisecond)
	c.RecordRetry(ctx, "scheduler")
	c.RecordRetry(ctx, "scheduler")
	c.IncrementQueueDepth(ctx)
	c.ObserveUtilization(map[string]float64{"cpu": 0.5})

	metrics := collect(t, reader)
	started, ok := metrics["testflow_flows_started_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, started.DataPoints, 1)
	assert.Equal(t, int64(1), started.DataPoints[0].Value)

	active, ok := metrics["testflow_active_flows"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), active.DataPoints[0].Value)

	retries, ok := metrics["testflow_retries_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2), retries.DataPoints[0].Value)

	util, ok := metrics["testflow_resource_utilization_ratio"].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, util.DataPoints, 1)
	assert.InDelta(t, 0.5, util.DataPoints[0].Value, 0.0001)

	c.RecordFlowComplete(ctx, "f1", "checkout", "COMPLETED", time.Second)
	assert.Zero(t, c.ActiveFlows())

	metrics = collect(t, reader)
	hist, ok := metrics["testflow_flow_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestHandlerServesPrometheus(t *testing.T) {
	p, err := New("testflow-test", "dev")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Collector().RecordFlowStart(context.Background(), "f1", "checkout")
	RecordPersistenceError(OpWrite, "handler_test")

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "testflow_flows_started_total")
	assert.Contains(t, string(body), "testflow_persistence_errors_total")
}

func TestNoop(t *testing.T) {
	p := Noop()
	ctx, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.NotNil(t, ctx)

	p.Collector().RecordFlowStart(ctx, "f1", "x")
	assert.Equal(t, 1, p.Collector().ActiveFlows())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNewSpanExporter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ExporterConfig
		wantNil bool
		wantErr bool
	}{
		{name: "none", cfg: ExporterConfig{Type: "none"}, wantNil: true},
		{name: "empty", cfg: ExporterConfig{}, wantNil: true},
		{name: "stdout", cfg: ExporterConfig{Type: "stdout", Writer: io.Discard}},
		{name: "otlp", cfg: ExporterConfig{Type: "otlp", Endpoint: "localhost:4317", Insecure: true}},
		{name: "otlp_http", cfg: ExporterConfig{Type: "otlp_http", Endpoint: "localhost:4318", Headers: map[string]string{"x-team": "qa"}}},
		{name: "unknown", cfg: ExporterConfig{Type: "zipkin"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := NewSpanExporter(context.Background(), tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, exp)
				return
			}
			require.NotNil(t, exp)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = exp.Shutdown(ctx)
		})
	}
}

func TestSpansReachExporter(t *testing.T) {
	var buf bytes.Buffer
	exp, err := NewSpanExporter(context.Background(), ExporterConfig{Type: "stdout", Writer: &buf})
	require.NoError(t, err)

	p, err := New("testflow-test", "dev", WithReader(sdkmetric.NewManualReader()), WithSpanExporter(exp))
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "flow.track")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"flow.track"`)
	assert.Contains(t, buf.String(), "testflow-test")
}
