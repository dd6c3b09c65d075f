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

// Package telemetry wires OpenTelemetry metrics and tracing for the
// orchestrator and exposes them to Prometheus.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName scopes every tracer and meter.
const InstrumentationName = "github.com/tombee/testflow"

// Provider owns the meter and tracer providers.
type Provider struct {
	tp        trace.TracerProvider
	mp        metric.MeterProvider
	registry  *promclient.Registry
	collector *MetricsCollector
	shutdown  []func(context.Context) error
}

// Option configures New.
type Option func(*options)

type options struct {
	traceOpts []sdktrace.TracerProviderOption
	reader    sdkmetric.Reader
	global    bool
}

// WithTracerOptions appends TracerProvider options, such as a span processor.
func WithTracerOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *options) { o.traceOpts = append(o.traceOpts, opts...) }
}

// WithSpanExporter batches finished spans to exp. A nil exp is ignored.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) {
		if exp != nil {
			o.traceOpts = append(o.traceOpts, sdktrace.WithBatcher(exp))
		}
	}
}

// WithReader replaces the Prometheus exporter with reader. Used by tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// WithGlobal installs the providers as the otel globals.
func WithGlobal() Option {
	return func(o *options) { o.global = true }
}

// New creates a Provider for serviceName. Metrics are exported through a
// Prometheus registry served by Handler.
func New(serviceName, version string, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{registry: promclient.NewRegistry()}

	reader := o.reader
	if reader == nil {
		exporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exporter
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}, o.traceOpts...)...)

	p.mp = mp
	p.tp = tp
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	}

	p.collector, err = NewMetricsCollector(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	return p, nil
}

// Noop returns a Provider that records nothing.
func Noop() *Provider {
	mp := metricnoop.NewMeterProvider()
	c, _ := NewMetricsCollector(mp)
	return &Provider{
		tp:        tracenoop.NewTracerProvider(),
		mp:        mp,
		registry:  promclient.NewRegistry(),
		collector: c,
	}
}

// Tracer returns the orchestrator tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(InstrumentationName)
}

// MeterProvider returns the underlying meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.mp
}

// Collector returns the metrics collector.
func (p *Provider) Collector() *MetricsCollector {
	return p.collector
}

// Handler serves the exporter registry together with the default registry,
// which carries the persistence counters and Go runtime metrics.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(
		promclient.Gatherers{p.registry, promclient.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
