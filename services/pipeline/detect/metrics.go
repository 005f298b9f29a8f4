// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for detection operations.
var (
	tracer = otel.Tracer("aleutian.detect")
	meter  = otel.Meter("aleutian.detect")
)

// Metrics for detection operations.
var (
	scoreLatency  metric.Float64Histogram
	scoreTotal    metric.Int64Counter
	batchLatency  metric.Float64Histogram
	growthAlerts  metric.Int64Counter
	biasDisparity metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		scoreLatency, err = meter.Float64Histogram(
			"detect_score_duration_seconds",
			metric.WithDescription("Duration of single-record scoring"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		scoreTotal, err = meter.Int64Counter(
			"detect_score_total",
			metric.WithDescription("Total records scored, by classification"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchLatency, err = meter.Float64Histogram(
			"detect_batch_duration_seconds",
			metric.WithDescription("Duration of batch scoring sweeps"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		growthAlerts, err = meter.Int64Counter(
			"detect_growth_alerts_total",
			metric.WithDescription("Growth alerts by severity"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		biasDisparity, err = meter.Float64Histogram(
			"detect_bias_disparity",
			metric.WithDescription("Observed outcome disparity per bias check"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startScoreSpan creates a span for a single-record scoring operation.
func startScoreSpan(ctx context.Context, subjectID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Scorer.Score",
		trace.WithAttributes(
			attribute.String("detect.subject_id", subjectID),
		),
	)
}

// recordScoreMetrics records metrics for a scoring operation.
func recordScoreMetrics(ctx context.Context, duration time.Duration, classification string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("classification", classification),
		attribute.Bool("success", success),
	)

	scoreLatency.Record(ctx, duration.Seconds(), attrs)
	scoreTotal.Add(ctx, 1, attrs)
}

// recordBatchMetrics records metrics for a batch scoring sweep.
func recordBatchMetrics(ctx context.Context, duration time.Duration, scored, skipped int) {
	if err := initMetrics(); err != nil {
		return
	}
	batchLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Int("scored", scored),
		attribute.Int("skipped", skipped),
	))
}

// recordGrowthAlert records a growth alert by severity.
func recordGrowthAlert(ctx context.Context, severity string) {
	if err := initMetrics(); err != nil {
		return
	}
	growthAlerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
	))
}

// recordBiasCheck records the observed disparity of a bias check.
func recordBiasCheck(ctx context.Context, disparity float64, violation bool) {
	if err := initMetrics(); err != nil {
		return
	}
	biasDisparity.Record(ctx, disparity, metric.WithAttributes(
		attribute.Bool("violation", violation),
	))
}
