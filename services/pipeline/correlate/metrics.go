// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.correlate")
	meter  = otel.Meter("aleutian.correlate")

	correlateLatency metric.Float64Histogram
	correlateTotal   metric.Int64Counter
	flaggedTotal     metric.Int64Counter
	sweepLatency     metric.Float64Histogram
	sweepEntities    metric.Int64Histogram

	metricsOnce sync.Once
)

// initMetrics lazily creates the package's instruments.
func initMetrics() {
	metricsOnce.Do(func() {
		var err error

		correlateLatency, err = meter.Float64Histogram(
			"correlate.score.duration",
			metric.WithDescription("Latency of single-entity correlation"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			otel.Handle(err)
		}

		correlateTotal, err = meter.Int64Counter(
			"correlate.score.total",
			metric.WithDescription("Entities correlated"),
		)
		if err != nil {
			otel.Handle(err)
		}

		flaggedTotal, err = meter.Int64Counter(
			"correlate.flagged.total",
			metric.WithDescription("Cross-source matches at or above the flag threshold"),
		)
		if err != nil {
			otel.Handle(err)
		}

		sweepLatency, err = meter.Float64Histogram(
			"correlate.sweep.duration",
			metric.WithDescription("Latency of full index sweeps"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			otel.Handle(err)
		}

		sweepEntities, err = meter.Int64Histogram(
			"correlate.sweep.entities",
			metric.WithDescription("Entities visited per sweep"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// startSweepSpan begins a trace span for an index sweep.
func startSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.CorrelateAll",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// recordCorrelateMetrics records one entity correlation.
func recordCorrelateMetrics(ctx context.Context, duration time.Duration, flagged bool) {
	initMetrics()

	if correlateLatency != nil {
		correlateLatency.Record(ctx, float64(duration.Milliseconds()))
	}
	if correlateTotal != nil {
		correlateTotal.Add(ctx, 1)
	}
	if flagged && flaggedTotal != nil {
		flaggedTotal.Add(ctx, 1)
	}
}

// recordSweepMetrics records one full sweep.
func recordSweepMetrics(ctx context.Context, duration time.Duration, entities, flagged int) {
	initMetrics()

	if sweepLatency != nil {
		sweepLatency.Record(ctx, float64(duration.Milliseconds()),
			metric.WithAttributes(attribute.Int("correlate.flagged", flagged)))
	}
	if sweepEntities != nil {
		sweepEntities.Record(ctx, int64(entities))
	}
}
