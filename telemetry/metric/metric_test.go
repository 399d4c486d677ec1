//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package metric

import (
	"context"
	"os"
	"testing"
)

func TestMetricsEndpoint(t *testing.T) {
	const (
		customEndpoint  = "custom-metric:4317"
		genericEndpoint = "generic-endpoint:4317"
	)

	origMetrics := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	origGeneric := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	defer func() {
		_ = os.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", origMetrics)
		_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", origGeneric)
	}()

	// Specific variable has precedence over generic.
	_ = os.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", customEndpoint)
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", genericEndpoint)
	if ep := metricsEndpoint(ProtocolGRPC); ep != customEndpoint {
		t.Fatalf("expected %s, got %s", customEndpoint, ep)
	}

	// Fallback to generic when specific is empty.
	_ = os.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", genericEndpoint)
	if ep := metricsEndpoint(ProtocolGRPC); ep != genericEndpoint {
		t.Fatalf("expected %s, got %s", genericEndpoint, ep)
	}

	// Defaults when none set.
	_ = os.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if ep := metricsEndpoint(ProtocolGRPC); ep != "localhost:4317" {
		t.Fatalf("expected gRPC default, got %s", ep)
	}
	if ep := metricsEndpoint(ProtocolHTTP); ep != "localhost:4318" {
		t.Fatalf("expected HTTP default, got %s", ep)
	}
}

// TestInstrumentsBeforeStart proves recording is safe before any provider
// is installed.
func TestInstrumentsBeforeStart(t *testing.T) {
	ctx := context.Background()
	if StepCount == nil || StepDuration == nil || TaskCount == nil ||
		TaskRetryCount == nil || NodeDuration == nil {
		t.Fatalf("expected instruments to be initialized at package load")
	}
	StepCount.Add(ctx, 1)
	StepDuration.Record(ctx, 0.01)
	TaskCount.Add(ctx, 1)
	TaskRetryCount.Add(ctx, 1)
	NodeDuration.Record(ctx, 0.01)
}

// TestStartAndClean exercises the happy path of Start and the returned
// cleanup.
func TestStartAndClean(t *testing.T) {
	ctx := context.Background()
	clean, err := Start(ctx, WithEndpoint("localhost:4317"))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if clean == nil {
		t.Fatalf("expected non-nil cleanup function")
	}
	// Record a measurement to ensure instruments were rebuilt.
	StepCount.Add(ctx, 1)
	_ = clean() // No collector is running in tests.
}
