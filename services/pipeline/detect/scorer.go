// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detect scores records for fraud signals using information
// theory: Shannon entropy and compression ratio.
//
// The operating assumption is physical, not semantic: legitimate
// transaction streams are predictable and compress well; fabricated or
// structured-to-evade streams are closer to random and do not. The
// package never interprets domain meaning — it measures, classifies
// against frozen thresholds, and hands the caller a score. Whether a
// score becomes a receipt is the caller's decision.
//
// Also here: growth-rate analysis (explosive payment surges), outcome
// bias checks across comparison groups, and amount-structuring
// detection. All pure measurement; policy reactions live elsewhere.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Classification buckets for a scored record.
type Classification string

const (
	ClassLegitimate Classification = "legitimate"
	ClassSuspicious Classification = "suspicious"
	ClassFraudulent Classification = "fraudulent"
)

// Frozen classification boundaries. A ratio at a boundary belongs to
// the lower bucket.
const (
	DefaultLegitimateMax = 0.50
	DefaultSuspiciousMax = 0.75
	DefaultEscalatedMax  = 0.90
)

// AnomalyScore is one record's information-theoretic measurement.
type AnomalyScore struct {
	SubjectID        string
	EntropyBits      float64
	CompressionRatio float64
	Classification   Classification
	// Escalated marks the upper suspicious band (ratio in
	// (SuspiciousMax, EscalatedMax]): still suspicious, but routed for
	// human review.
	Escalated bool
}

// Scorer computes AnomalyScores with the pinned compressor.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Scorer struct {
	comp   *Compressor
	logger *slog.Logger

	legitimateMax float64
	suspiciousMax float64
	escalatedMax  float64
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithScorerLogger sets the logger used for skipped records in batch
// scoring.
func WithScorerLogger(logger *slog.Logger) ScorerOption {
	return func(s *Scorer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBoundaries overrides the classification boundaries. Boundaries
// must be strictly increasing; invalid sets are ignored. Changing them
// in a live deployment is a model rollback event.
func WithBoundaries(legitimateMax, suspiciousMax, escalatedMax float64) ScorerOption {
	return func(s *Scorer) {
		if legitimateMax > 0 && legitimateMax < suspiciousMax && suspiciousMax < escalatedMax {
			s.legitimateMax = legitimateMax
			s.suspiciousMax = suspiciousMax
			s.escalatedMax = escalatedMax
		}
	}
}

// NewScorer builds a Scorer with the frozen defaults.
func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{
		comp:          NewCompressor(),
		logger:        slog.Default(),
		legitimateMax: DefaultLegitimateMax,
		suspiciousMax: DefaultSuspiciousMax,
		escalatedMax:  DefaultEscalatedMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CompressorVersion returns the frozen compressor identifier for audit
// payloads.
func (s *Scorer) CompressorVersion() string { return s.comp.Version() }

// Classify maps a compression ratio to its bucket. The second return
// is the escalation flag for the upper suspicious band.
//
//	ratio <= 0.50          -> legitimate
//	0.50 < ratio <= 0.75   -> suspicious
//	0.75 < ratio <= 0.90   -> suspicious, escalated
//	ratio > 0.90           -> fraudulent
func (s *Scorer) Classify(ratio float64) (Classification, bool) {
	switch {
	case ratio <= s.legitimateMax:
		return ClassLegitimate, false
	case ratio <= s.suspiciousMax:
		return ClassSuspicious, false
	case ratio <= s.escalatedMax:
		return ClassSuspicious, true
	default:
		return ClassFraudulent, false
	}
}

// Score measures one record.
//
// # Description
//
// Computes Shannon entropy over the record's byte distribution and the
// frozen-compressor ratio, then classifies the ratio. Pure: no
// receipts are emitted here.
//
// # Inputs
//
//   - ctx: tracing context.
//   - subjectID: the entity the record belongs to; carried through to
//     the score for receipt payloads.
//   - record: the record's canonical serialization.
//
// # Outputs
//
//   - AnomalyScore: the measurement. Empty records score (0.0, 0.0,
//     legitimate).
//   - error: ErrCompress on compressor failure only.
func (s *Scorer) Score(ctx context.Context, subjectID string, record []byte) (AnomalyScore, error) {
	ctx, span := startScoreSpan(ctx, subjectID)
	defer span.End()
	start := time.Now()

	ratio, err := s.comp.Ratio(record)
	if err != nil {
		recordScoreMetrics(ctx, time.Since(start), "", false)
		span.RecordError(err)
		return AnomalyScore{}, fmt.Errorf("score %s: %w", subjectID, err)
	}

	cls, escalated := s.Classify(ratio)
	score := AnomalyScore{
		SubjectID:        subjectID,
		EntropyBits:      Entropy(record),
		CompressionRatio: ratio,
		Classification:   cls,
		Escalated:        escalated,
	}

	recordScoreMetrics(ctx, time.Since(start), string(cls), true)
	return score, nil
}
