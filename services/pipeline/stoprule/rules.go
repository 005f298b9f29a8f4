// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stoprule

import "time"

// =============================================================================
// Rule identifiers
// =============================================================================

// RuleID identifies one row of the service-level rule table. Identifiers
// are stable and appear in stoprule receipts, so renumbering is a
// breaking change to the audit trail.
type RuleID int

const (
	// RuleChainIntegrity halts on any hash-chain mismatch.
	RuleChainIntegrity RuleID = 1

	// RuleReceiptShape halts on any malformed stored receipt.
	RuleReceiptShape RuleID = 2

	// RuleSourceAvailability retries a failing data source and halts
	// once the retry budget is exhausted.
	RuleSourceAvailability RuleID = 3

	// RuleBiasDisparity halts when flag-rate disparity between
	// demographic groups reaches the tolerance.
	RuleBiasDisparity RuleID = 4

	// RulePrecision halts below the fatal floor and degrades below
	// the minimum floor.
	RulePrecision RuleID = 5

	// RuleFalsePositiveRate adjusts detection thresholds when the
	// false-positive rate exceeds its ceiling.
	RuleFalsePositiveRate RuleID = 6

	// RuleGrowthRate escalates on a critical year-over-year growth
	// multiple.
	RuleGrowthRate RuleID = 7

	// RuleCorrelationSignoff escalates when a cross-source correlation
	// score reaches the flag threshold; resumption requires review.
	RuleCorrelationSignoff RuleID = 8

	// RuleDetectionLatency degrades when scoring a record takes too
	// long.
	RuleDetectionLatency RuleID = 9

	// RuleIngestLatency degrades when end-to-end ingest takes too
	// long.
	RuleIngestLatency RuleID = 10

	// RuleParseAccuracy degrades when source parse accuracy drops
	// below its floor.
	RuleParseAccuracy RuleID = 11
)

// String returns the short rule name used in receipts and logs.
//
//	Description:
//	  Maps a RuleID to a stable lowercase identifier. Unknown rules
//	  render as "unknown".
func (r RuleID) String() string {
	switch r {
	case RuleChainIntegrity:
		return "chain_integrity"
	case RuleReceiptShape:
		return "receipt_shape"
	case RuleSourceAvailability:
		return "source_availability"
	case RuleBiasDisparity:
		return "bias_disparity"
	case RulePrecision:
		return "precision"
	case RuleFalsePositiveRate:
		return "false_positive_rate"
	case RuleGrowthRate:
		return "growth_rate"
	case RuleCorrelationSignoff:
		return "correlation_signoff"
	case RuleDetectionLatency:
		return "detection_latency"
	case RuleIngestLatency:
		return "ingest_latency"
	case RuleParseAccuracy:
		return "parse_accuracy"
	default:
		return "unknown"
	}
}

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds holds the numeric bounds of the rule table. Zero values
// are replaced with defaults by NewPolicy.
type Thresholds struct {
	// BiasDisparityMax is the flag-rate disparity at or above which
	// the pipeline halts (rule 4).
	BiasDisparityMax float64

	// PrecisionFatal is the precision below which the pipeline halts
	// (rule 5).
	PrecisionFatal float64

	// PrecisionMin is the precision below which the pipeline degrades
	// (rule 5).
	PrecisionMin float64

	// FalsePositiveMax is the false-positive rate above which
	// thresholds are adjusted (rule 6).
	FalsePositiveMax float64

	// GrowthCritical is the growth multiple at or above which the
	// pipeline escalates (rule 7).
	GrowthCritical float64

	// CorrelationFlag is the correlation score at or above which the
	// pipeline escalates for sign-off (rule 8).
	CorrelationFlag float64

	// DetectionLatencyMax bounds per-record scoring time (rule 9).
	DetectionLatencyMax time.Duration

	// IngestLatencyMax bounds end-to-end ingest time (rule 10).
	IngestLatencyMax time.Duration

	// ParseAccuracyMin is the parse accuracy below which the pipeline
	// degrades (rule 11).
	ParseAccuracyMin float64

	// RetryBudget is the number of failed attempts tolerated per data
	// source before rule 3 halts (rule 3).
	RetryBudget int
}

// DefaultThresholds returns the production rule-table bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BiasDisparityMax:    0.005,
		PrecisionFatal:      0.50,
		PrecisionMin:        0.80,
		FalsePositiveMax:    0.15,
		GrowthCritical:      28.0,
		CorrelationFlag:     0.70,
		DetectionLatencyMax: 5 * time.Second,
		IngestLatencyMax:    60 * time.Second,
		ParseAccuracyMin:    0.999,
		RetryBudget:         3,
	}
}

// =============================================================================
// Metrics and decisions
// =============================================================================

// Metric is one observation submitted to the rule table.
type Metric struct {
	// Rule selects the rule-table row.
	Rule RuleID

	// Value is the observed measurement. Latency rules measure in
	// milliseconds.
	Value float64

	// Source names the data source for availability observations.
	Source string

	// Detail is free-text context carried into receipts.
	Detail string

	// Err is the underlying collaborator error for availability
	// observations; folded into the halt receipt's detail.
	Err error
}

// Decision is the typed outcome of observing a metric. Callers
// type-switch on Ok, Retryable, or Fatal; no rule outcome is ever
// signaled by panic.
type Decision interface {
	decision()
}

// Ok means the observation is within bounds, or breached a rule whose
// action (degrade, adjust, escalate) lets the current unit of work
// finish. The policy state reflects any transition.
type Ok struct{}

// Retryable means a source failed within its retry budget. The caller
// should wait Backoff and retry.
type Retryable struct {
	// Attempt is the 1-based count of failures recorded so far.
	Attempt int

	// Backoff is the wait before the next attempt.
	Backoff time.Duration
}

// Fatal means a rule closed the append gate. No further ledger appends
// are admitted until an audited rollback.
type Fatal struct {
	Rule RuleID
}

func (Ok) decision()        {}
func (Retryable) decision() {}
func (Fatal) decision()     {}
