// Package telemetry wraps pool operations in OpenTelemetry spans,
// modeled on the teacher's ObservabilityManager.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string // "stdout" (default) or "none"
}

// DefaultConfig returns sensible defaults for apppoold.
func DefaultConfig() Config {
	return Config{ServiceName: "apppool", ServiceVersion: "dev", Exporter: "stdout"}
}

// Manager owns the tracer provider's lifecycle.
type Manager struct {
	config   Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	shutdownOnce sync.Once
}

// NewManager builds and installs a tracer provider as the global
// provider, returning a Manager the caller must Shutdown.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{config: cfg}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var provider *sdktrace.TracerProvider
	switch cfg.Exporter {
	case "none":
		provider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	default:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("build stdout trace exporter: %w", err)
		}
		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
	}

	otel.SetTracerProvider(provider)
	m.provider = provider
	m.tracer = provider.Tracer(cfg.ServiceName)

	slog.Info("telemetry initialized", "exporter", cfg.Exporter, "service", cfg.ServiceName)
	return m, nil
}

// Tracer returns the manager's tracer.
func (m *Manager) Tracer() trace.Tracer { return m.tracer }

// StartSpan starts a span named name with the given attributes.
func (m *Manager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the tracer provider. Safe to call more
// than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		if m.provider == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = m.provider.Shutdown(shutdownCtx)
	})
	return err
}
