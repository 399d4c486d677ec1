//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package metric provides metrics collection for trpc-graph-go.
// It integrates with OpenTelemetry and exports measurements over OTLP.
package metric

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Service identity reported with every exported measurement.
const (
	serviceName      = "trpc-graph-go"
	serviceVersion   = "v0.1.0"
	serviceNamespace = "trpc-go"

	// InstrumentName is the instrumentation scope of all engine meters.
	InstrumentName = "trpc.graph.go"

	// ProtocolGRPC exports over OTLP/gRPC.
	ProtocolGRPC = "grpc"
	// ProtocolHTTP exports over OTLP/HTTP.
	ProtocolHTTP = "http"
)

// Engine metric and attribute names.
const (
	// MetricStepCount counts executed supersteps.
	MetricStepCount = "trpc_graph_go.step.cnt"
	// MetricStepDuration measures superstep wall time in seconds.
	MetricStepDuration = "trpc_graph_go.step.duration"
	// MetricTaskCount counts executed node tasks.
	MetricTaskCount = "trpc_graph_go.task.cnt"
	// MetricTaskRetryCount counts node retry attempts.
	MetricTaskRetryCount = "trpc_graph_go.task.retry_cnt"
	// MetricNodeDuration measures node execution wall time in seconds.
	MetricNodeDuration = "trpc_graph_go.node.duration"

	// KeyNodeID labels task measurements with the executing node.
	KeyNodeID = "trpc_graph_go.node.id"
	// KeyTaskStatus labels task measurements with the outcome: "ok",
	// "error" or "interrupt".
	KeyTaskStatus = "trpc_graph_go.task.status"
)

// MeterProvider is the global meter provider for telemetry.
var MeterProvider metric.MeterProvider = noop.NewMeterProvider()

// Meter is the global meter instance for telemetry.
// It is a no-op until Start is called.
var Meter metric.Meter = MeterProvider.Meter("")

// Engine instruments recorded by the graph executor. They are no-ops
// until Start installs a real provider.
var (
	StepCount      metric.Int64Counter
	StepDuration   metric.Float64Histogram
	TaskCount      metric.Int64Counter
	TaskRetryCount metric.Int64Counter
	NodeDuration   metric.Float64Histogram
)

func init() {
	// The noop meter cannot fail to build instruments.
	_ = initInstruments()
}

// initInstruments rebuilds the engine instruments against the current
// Meter.
func initInstruments() error {
	var err error
	if StepCount, err = Meter.Int64Counter(MetricStepCount,
		metric.WithDescription("Total number of executed supersteps"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create metric %s: %w", MetricStepCount, err)
	}
	if StepDuration, err = Meter.Float64Histogram(MetricStepDuration,
		metric.WithDescription("Duration of one superstep"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create metric %s: %w", MetricStepDuration, err)
	}
	if TaskCount, err = Meter.Int64Counter(MetricTaskCount,
		metric.WithDescription("Total number of executed node tasks"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create metric %s: %w", MetricTaskCount, err)
	}
	if TaskRetryCount, err = Meter.Int64Counter(MetricTaskRetryCount,
		metric.WithDescription("Total number of node retry attempts"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create metric %s: %w", MetricTaskRetryCount, err)
	}
	if NodeDuration, err = Meter.Float64Histogram(MetricNodeDuration,
		metric.WithDescription("Duration of one node execution"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create metric %s: %w", MetricNodeDuration, err)
	}
	return nil
}

// Start wires the global Meter to an OTLP exporter.
// The returned clean function flushes and shuts down the provider.
//
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_METRICS_ENDPOINT
// are honored when no endpoint option is passed.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	options := &options{
		protocol: ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.metricsEndpoint == "" {
		options.metricsEndpoint = metricsEndpoint(options.protocol)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(serviceNamespace),
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var provider *sdkmetric.MeterProvider
	switch options.protocol {
	case ProtocolHTTP:
		provider, err = newHTTPMeterProvider(ctx, res, options.metricsEndpoint)
	default:
		provider, err = newGRPCMeterProvider(ctx, res, options.metricsEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	MeterProvider = provider
	otel.SetMeterProvider(provider)
	Meter = otel.Meter(InstrumentName)
	if err := initInstruments(); err != nil {
		return nil, err
	}
	return func() error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

// Option is a function that configures meter options.
type Option func(*options)

type options struct {
	metricsEndpoint string
	protocol        string
}

// WithEndpoint sets the endpoint (host and port, no scheme or path) the
// exporter will connect to.
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithProtocol sets the export protocol, "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	switch protocol {
	case ProtocolHTTP:
		return "localhost:4318"
	default:
		return "localhost:4317"
	}
}

func newGRPCMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (
	*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

func newHTTPMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (
	*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}
