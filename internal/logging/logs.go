package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "taskpilot/engine"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	// Logger forwards to the global OpenTelemetry logger provider. Until
	// SetupOTelSDK runs the provider is a no-op.
	Logger = otelslog.NewLogger(instrumentationName)
)

func Log(content string, level slog.Level, args ...any) {
	Logger.Log(context.Background(), level, content, args...)
}

// Counters used by the engine. Instruments created against the global meter
// provider are rebound once SetupOTelSDK installs a real one.
var (
	TasksStarted   = mustCounter("taskpilot_tasks_started", "Tasks moved to running", "{task}")
	TasksCompleted = mustCounter("taskpilot_tasks_completed", "Tasks finished successfully", "{task}")
	TasksFailed    = mustCounter("taskpilot_tasks_failed", "Tasks that exhausted their attempts", "{task}")
	TasksCancelled = mustCounter("taskpilot_tasks_cancelled", "Tasks cancelled while queued or running", "{task}")
	Attempts       = mustCounter("taskpilot_attempts", "Dispatch attempts across all tasks", "{attempt}")
	Reverted       = mustCounter("taskpilot_changes_reverted", "Changes undone by revert", "{change}")
)

func InitializeCounter(name, description, unit string) (metric.Int64Counter, error) {
	counter, err := meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	return counter, nil
}

func mustCounter(name, description, unit string) metric.Int64Counter {
	c, err := InitializeCounter(name, description, unit)
	if err != nil {
		panic(err)
	}
	return c
}

// Add increments c by n with the given attributes.
func Add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// StartSpan opens a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
