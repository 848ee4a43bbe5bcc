package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options selects which signals SetupOTelSDK exports and where they go.
type Options struct {
	Writer  io.Writer
	Traces  bool
	Metrics bool
}

// SetupOTelSDK installs stdout exporters for logs (always) and optionally for
// traces and metrics. The returned shutdown flushes and stops every provider.
func SetupOTelSDK(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}
	handleErr := func(inErr error) error {
		return errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logOpts := []stdoutlog.Option{}
	if opts.Writer != nil {
		logOpts = append(logOpts, stdoutlog.WithWriter(opts.Writer))
	}
	logExporter, err := stdoutlog.New(logOpts...)
	if err != nil {
		return shutdown, handleErr(err)
	}
	loggerProvider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(logExporter)))
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	if opts.Traces {
		traceOpts := []stdouttrace.Option{}
		if opts.Writer != nil {
			traceOpts = append(traceOpts, stdouttrace.WithWriter(opts.Writer))
		}
		traceExporter, err := stdouttrace.New(traceOpts...)
		if err != nil {
			return shutdown, handleErr(err)
		}
		tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(time.Second)))
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	if opts.Metrics {
		metricOpts := []stdoutmetric.Option{}
		if opts.Writer != nil {
			metricOpts = append(metricOpts, stdoutmetric.WithWriter(opts.Writer))
		}
		metricExporter, err := stdoutmetric.New(metricOpts...)
		if err != nil {
			return shutdown, handleErr(err)
		}
		meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second)),
		))
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return shutdown, nil
}
