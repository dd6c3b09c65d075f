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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records orchestrator metrics through the otel API.
type MetricsCollector struct {
	flowsStarted   metric.Int64Counter
	flowsCompleted metric.Int64Counter
	flowDuration   metric.Float64Histogram
	stepDuration   metric.Float64Histogram
	retries        metric.Int64Counter
	queueDepth     metric.Int64UpDownCounter

	mu          sync.RWMutex
	activeFlows map[string]struct{}
	utilization map[string]float64
}

// NewMetricsCollector registers every instrument on meterProvider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter(InstrumentationName)

	mc := &MetricsCollector{
		activeFlows: make(map[string]struct{}),
		utilization: make(map[string]float64),
	}

	var err error
	mc.flowsStarted, err = meter.Int64Counter(
		"testflow_flows_started_total",
		metric.WithDescription("Total number of flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.flowsCompleted, err = meter.Int64Counter(
		"testflow_flows_completed_total",
		metric.WithDescription("Total number of flows that reached a terminal status"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.flowDuration, err = meter.Float64Histogram(
		"testflow_flow_duration_seconds",
		metric.WithDescription("Flow execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"testflow_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.retries, err = meter.Int64Counter(
		"testflow_retries_total",
		metric.WithDescription("Total number of retry attempts by site"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	mc.queueDepth, err = meter.Int64UpDownCounter(
		"testflow_queue_depth",
		metric.WithDescription("Number of pending or in-flight scheduler tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"testflow_active_flows",
		metric.WithDescription("Number of flows currently executing"),
		metric.WithUnit("{flow}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.mu.RLock()
			n := len(mc.activeFlows)
			mc.mu.RUnlock()
			observer.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		"testflow_resource_utilization_ratio",
		metric.WithDescription("Allocated over total capacity per resource type"),
		metric.WithFloat64Callback(func(ctx context.Context, observer metric.Float64Observer) error {
			mc.mu.RLock()
			defer mc.mu.RUnlock()
			for typ, u := range mc.utilization {
				observer.Observe(u, metric.WithAttributes(attribute.String("type", typ)))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordFlowStart marks a flow as active.
func (mc *MetricsCollector) RecordFlowStart(ctx context.Context, flowID, flowName string) {
	mc.mu.Lock()
	mc.activeFlows[flowID] = struct{}{}
	mc.mu.Unlock()

	mc.flowsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flowName)))
}

// RecordFlowComplete records a terminal status and duration.
func (mc *MetricsCollector) RecordFlowComplete(ctx context.Context, flowID, flowName, status string, duration time.Duration) {
	mc.mu.Lock()
	delete(mc.activeFlows, flowID)
	mc.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("flow", flowName),
		attribute.String("status", status),
	)
	mc.flowsCompleted.Add(ctx, 1, attrs)
	mc.flowDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStep records one step execution.
func (mc *MetricsCollector) RecordStep(ctx context.Context, stepType, status string, duration time.Duration) {
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("step_type", stepType),
		attribute.String("status", status),
	))
}

// RecordRetry counts a retry at site (scheduler, tracker, batch, step).
func (mc *MetricsCollector) RecordRetry(ctx context.Context, site string) {
	mc.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("site", site)))
}

// IncrementQueueDepth and DecrementQueueDepth track scheduler occupancy.
func (mc *MetricsCollector) IncrementQueueDepth(ctx context.Context) {
	mc.queueDepth.Add(ctx, 1)
}

func (mc *MetricsCollector) DecrementQueueDepth(ctx context.Context) {
	mc.queueDepth.Add(ctx, -1)
}

// ObserveUtilization replaces the utilization reported by the gauge.
func (mc *MetricsCollector) ObserveUtilization(byType map[string]float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	clear(mc.utilization)
	for k, v := range byType {
		mc.utilization[k] = v
	}
}

// ActiveFlows returns the number of flows between start and completion.
func (mc *MetricsCollector) ActiveFlows() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.activeFlows)
}
