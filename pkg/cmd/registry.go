// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/registry"
	"go.opentelemetry.io/otel/trace"
)

// NewRegistry returns a registry holding the built-in step executors.
func NewRegistry(log *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(log)
	reg.RegisterDefaultExecutors()

	return reg
}

// NewTracer returns an OTLP tracer when enabled, otherwise a no-op tracer.
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, enabled bool, serviceName string, logger *slog.Logger) trace.Tracer {
	if !enabled {
		return otelhelper.Noop()
	}

	tracer, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Failed to initialize tracer, tracing disabled", "error", err)

		return otelhelper.Noop()
	}

	return tracer
}
