// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for pipeline metrics
const pipelineSubsystem = "proof"

// PipelineMetrics holds the Prometheus collectors for ledger and
// detection operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring the
// accountability pipeline: appends and their latency, verification
// sweeps, classification volume, cross-source flags, and anchoring
// freshness. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// AppendsTotal counts sealed receipts by kind.
	// Labels: kind (ingest_receipt, anomaly_receipt, ...)
	AppendsTotal *prometheus.CounterVec

	// AppendDurationSeconds measures append latency, gate check
	// through store write.
	AppendDurationSeconds prometheus.Histogram

	// VerifyDurationSeconds measures full-chain verification sweeps.
	VerifyDurationSeconds prometheus.Histogram

	// IngestDurationSeconds measures end-to-end record processing.
	IngestDurationSeconds prometheus.Histogram

	// ScoresTotal counts scored records by classification.
	// Labels: classification (legitimate, suspicious, fraudulent)
	ScoresTotal *prometheus.CounterVec

	// CorrelationFlagsTotal counts cross-source matches at or above
	// the flag threshold.
	CorrelationFlagsTotal prometheus.Counter

	// PatternMatchesTotal counts known-scheme matches.
	// Labels: pattern (generation_now, feeding_our_future, ...)
	PatternMatchesTotal *prometheus.CounterVec

	// ChainLength tracks the number of receipts in the ledger.
	ChainLength prometheus.Gauge

	// AnchorLagReceipts tracks receipts sealed since the last anchor.
	AnchorLagReceipts prometheus.Gauge
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

var metricsInitOnce sync.Once

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus collectors with the default
// registry. Safe to call more than once; the first call wins and later
// calls return the same instance.
//
// # Outputs
//
//   - *PipelineMetrics: The initialized metrics instance.
func InitMetrics() *PipelineMetrics {
	metricsInitOnce.Do(func() {
		DefaultMetrics = &PipelineMetrics{
			AppendsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "appends_total",
					Help:      "Receipts sealed into the chain by kind",
				},
				[]string{"kind"},
			),

			AppendDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "append_duration_seconds",
					Help:      "Append latency from gate check through store write",
					Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
				},
			),

			VerifyDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "verify_duration_seconds",
					Help:      "Full-chain verification sweep duration",
					Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2.5, 10},
				},
			),

			IngestDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "ingest_duration_seconds",
					Help:      "End-to-end record processing duration",
					Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2.5, 10, 60},
				},
			),

			ScoresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "scores_total",
					Help:      "Scored records by classification",
				},
				[]string{"classification"},
			),

			CorrelationFlagsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "correlation_flags_total",
					Help:      "Cross-source matches at or above the flag threshold",
				},
			),

			PatternMatchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "pattern_matches_total",
					Help:      "Known-scheme pattern matches",
				},
				[]string{"pattern"},
			),

			ChainLength: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "chain_length",
					Help:      "Receipts currently in the ledger",
				},
			),

			AnchorLagReceipts: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "anchor_lag_receipts",
					Help:      "Receipts sealed since the last Merkle anchor",
				},
			),
		}
	})
	return DefaultMetrics
}
