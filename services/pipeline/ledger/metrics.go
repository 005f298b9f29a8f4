// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for ledger operations.
var (
	tracer = otel.Tracer("aleutian.ledger")
	meter  = otel.Meter("aleutian.ledger")
)

// Metrics for ledger operations.
var (
	appendLatency  metric.Float64Histogram
	appendTotal    metric.Int64Counter
	verifyLatency  metric.Float64Histogram
	verifyFailures metric.Int64Counter
	rollbackTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		appendLatency, err = meter.Float64Histogram(
			"ledger_append_duration_seconds",
			metric.WithDescription("Duration of ledger append operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		appendTotal, err = meter.Int64Counter(
			"ledger_append_total",
			metric.WithDescription("Total number of ledger append operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		verifyLatency, err = meter.Float64Histogram(
			"ledger_verify_duration_seconds",
			metric.WithDescription("Duration of chain verification sweeps"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		verifyFailures, err = meter.Int64Counter(
			"ledger_verify_failures_total",
			metric.WithDescription("Total chain verification failures"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"ledger_rollback_total",
			metric.WithDescription("Total ledger rollback operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startAppendSpan creates a span for a ledger append operation.
func startAppendSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Ledger.Append",
		trace.WithAttributes(
			attribute.String("ledger.receipt_type", kind),
		),
	)
}

// recordAppendMetrics records metrics for a ledger append operation.
func recordAppendMetrics(ctx context.Context, duration time.Duration, kind string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("receipt_type", kind),
		attribute.Bool("success", success),
	)

	appendLatency.Record(ctx, duration.Seconds(), attrs)
	appendTotal.Add(ctx, 1, attrs)
}

// startVerifySpan creates a span for a chain verification sweep.
func startVerifySpan(ctx context.Context, lo, hi uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Ledger.Verify",
		trace.WithAttributes(
			attribute.Int64("ledger.verify_lo", int64(lo)),
			attribute.Int64("ledger.verify_hi", int64(hi)),
		),
	)
}

// recordVerifyMetrics records metrics for a chain verification sweep.
func recordVerifyMetrics(ctx context.Context, duration time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}

	verifyLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("ok", ok),
	))
	if !ok {
		verifyFailures.Add(ctx, 1)
	}
}

// recordRollback records a rollback operation.
func recordRollback(ctx context.Context, procedure string) {
	if err := initMetrics(); err != nil {
		return
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("procedure", procedure),
	))
}
