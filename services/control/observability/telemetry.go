// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// TelemetryConfig controls tracing and OpenTelemetry metrics.
type TelemetryConfig struct {
	// ServiceName identifies this service in traces and metrics.
	ServiceName string

	// ServiceVersion is the version string for this service.
	ServiceVersion string

	// TraceExporter selects the trace exporter: "otlp", "stdout", or "none".
	TraceExporter string

	// MetricExporter selects the OpenTelemetry metric exporter: "prometheus",
	// "stdout", or "none". The prometheus exporter registers with Registerer.
	MetricExporter string

	// OTLPEndpoint is the gRPC OTLP receiver, for example "localhost:4317".
	OTLPEndpoint string

	// Registerer receives the OpenTelemetry prometheus exporter.
	// Default: prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer
}

// DefaultTelemetryConfig disables both exporters.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		ServiceName:    "warden",
		ServiceVersion: "dev",
		TraceExporter:  "none",
		MetricExporter: "none",
	}
}

// InitTelemetry installs the global tracer and meter providers.
//
// # Description
//
// With both exporters set to "none" nothing is installed and the otel
// globals stay no-ops, so spans in the breaker and lock cost nothing. The
// OTLP exporter dials the collector over a plain gRPC client connection.
//
// # Outputs
//
//   - shutdown: Flushes and stops every installed provider. Always non-nil.
//   - error: Non-nil if an exporter cannot be created.
//
// # Example
//
//	shutdown, err := observability.InitTelemetry(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
func InitTelemetry(ctx context.Context, cfg TelemetryConfig) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return shutdown, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if cfg.MetricExporter != "" && cfg.MetricExporter != "none" {
		mp, err := newMeterProvider(cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return func(context.Context) error { return nil }, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter

	switch cfg.TraceExporter {
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("otlp exporter requires an endpoint")
		}
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial collector: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("create exporter: %w", err)
		}

	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func newMeterProvider(cfg TelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(exporter),
		), nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter)),
		), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}
