// Copyright 2025 Kadir Pekel
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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relaykit/orchestrate/config"
)

// Tracer wraps an OpenTelemetry tracer with the platform's span conventions.
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	capturePayloads bool
}

// TracerOption customizes Tracer construction.
type TracerOption func(*Tracer)

// WithCapturePayloads sets the flag reported by CapturePayloads. No span
// started by this package records request or response bodies.
func WithCapturePayloads(enabled bool) TracerOption {
	return func(t *Tracer) {
		t.capturePayloads = enabled
	}
}

// NewTracer builds a Tracer from a TracingConfig.
func NewTracer(ctx context.Context, cfg *config.TracingConfig, opts ...TracerOption) (*Tracer, error) {
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	t.provider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	return t, nil
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.IsInsecure() {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// Start begins a new span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// CapturePayloads reports whether full payload capture is enabled.
func (t *Tracer) CapturePayloads() bool {
	return t != nil && t.capturePayloads
}

// Shutdown flushes and stops the underlying tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}

// GetTracer returns a bare OpenTelemetry tracer for the given instrumentation
// name, independent of any Manager. Useful in packages that only need to
// start spans and don't own the tracer lifecycle.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
