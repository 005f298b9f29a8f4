// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package correlate amplifies fraud signals by matching entity records
// across data sources.
//
// Fraud that is invisible inside one database becomes obvious across
// two: a vendor paid by the state while lobbying on the relevant bill,
// an enrollee drawing benefits from two states at once. Each source is
// a silo; the engine scores how confidently two sources are describing
// the same entity and flags pairs whose combined evidence clears the
// sign-off threshold.
//
// Scores are built from named bases, each a pure predicate over a
// record pair with a fixed additive weight. The names of the bases
// that fired travel with every match, so a flag is always explainable
// after the fact.
package correlate

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultThreshold is the confidence at which a cross-source match is
// flagged for review. A match at exactly the threshold flags.
const DefaultThreshold = 0.70

// SourceRecord is one entity observation from one data source, reduced
// to the fields the matching bases understand.
type SourceRecord struct {
	Name       string
	Identifier string
	Amount     float64
	Timestamp  time.Time
	City       string
	State      string
	Category   string
}

// CorrelationMatch is the scored outcome of correlating one entity
// across two sources.
type CorrelationMatch struct {
	EntityKey string
	SourceA   string
	SourceB   string
	Score     float64
	Basis     []string
	Flagged   bool
}

// Basis is one named matching factor. Match must be a pure function of
// its arguments.
type Basis struct {
	Name   string
	Weight float64
	Match  func(a, b SourceRecord) bool
}

// normalize uppercases and trims for name comparison.
func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// amountClose reports whether two positive amounts are within frac of
// the larger one.
func amountClose(a, b, frac float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	hi, lo := a, b
	if b > a {
		hi, lo = b, a
	}
	return (hi-lo)/hi <= frac
}

// daysApart is the absolute gap between two timestamps in whole days.
func daysApart(a, b time.Time) float64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d.Hours() / 24
}

// DefaultBases returns the standard matching factors.
//
// Identity and exact-name matches are strong evidence on their own;
// the remaining factors are circumstantial and only flag in
// combination. Graded factors (name, timing, amount) are split into
// mutually exclusive bases so a pair never double-counts one signal.
func DefaultBases() []Basis {
	return []Basis{
		{"identifier_match", 0.5, func(a, b SourceRecord) bool {
			return a.Identifier != "" && a.Identifier == b.Identifier
		}},
		{"exact_name_match", 0.5, func(a, b SourceRecord) bool {
			an, bn := normalize(a.Name), normalize(b.Name)
			return an != "" && an == bn
		}},
		{"partial_name_match", 0.3, func(a, b SourceRecord) bool {
			an, bn := normalize(a.Name), normalize(b.Name)
			if an == "" || bn == "" || an == bn {
				return false
			}
			return strings.Contains(an, bn) || strings.Contains(bn, an)
		}},
		{"timing_within_30_days", 0.3, func(a, b SourceRecord) bool {
			if a.Timestamp.IsZero() || b.Timestamp.IsZero() {
				return false
			}
			return daysApart(a.Timestamp, b.Timestamp) <= 30
		}},
		{"timing_within_90_days", 0.15, func(a, b SourceRecord) bool {
			if a.Timestamp.IsZero() || b.Timestamp.IsZero() {
				return false
			}
			d := daysApart(a.Timestamp, b.Timestamp)
			return d > 30 && d <= 90
		}},
		{"amount_match", 0.2, func(a, b SourceRecord) bool {
			return amountClose(a.Amount, b.Amount, 0.01)
		}},
		{"amount_proximity", 0.1, func(a, b SourceRecord) bool {
			return !amountClose(a.Amount, b.Amount, 0.01) &&
				amountClose(a.Amount, b.Amount, 0.10)
		}},
		{"city_match", 0.2, func(a, b SourceRecord) bool {
			return a.City != "" && strings.EqualFold(a.City, b.City)
		}},
		{"state_match", 0.1, func(a, b SourceRecord) bool {
			return a.State != "" && strings.EqualFold(a.State, b.State)
		}},
		{"category_match", 0.1, func(a, b SourceRecord) bool {
			ac, bc := normalize(a.Category), normalize(b.Category)
			if ac == "" || bc == "" {
				return false
			}
			return strings.Contains(bc, ac) || strings.Contains(ac, bc)
		}},
	}
}

// Engine scores cross-source entity matches over a sharded record
// index.
//
// # Thread Safety
//
// Safe for concurrent use. The index serializes writes per shard;
// Correlate and CorrelateAll take read locks only.
type Engine struct {
	bases    []Basis
	nearMiss float64 // retention margin below threshold; 0 disables
	index    *shardedIndex
	logger   *slog.Logger

	// threshold is guarded by mu: the stoprule adjust path may raise
	// it at runtime while sweeps are reading it.
	mu        sync.RWMutex
	threshold float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithThreshold overrides the flag threshold. Ignored outside (0, 1].
func WithThreshold(threshold float64) EngineOption {
	return func(e *Engine) {
		if threshold > 0 && threshold <= 1 {
			e.threshold = threshold
		}
	}
}

// WithBases replaces the default matching factors.
func WithBases(bases []Basis) EngineOption {
	return func(e *Engine) {
		if len(bases) > 0 {
			e.bases = bases
		}
	}
}

// WithNearMissRetention keeps sweep results scoring within margin
// below the threshold. Near misses are never flagged; they exist so an
// auditor can see what almost correlated.
func WithNearMissRetention(margin float64) EngineOption {
	return func(e *Engine) {
		if margin > 0 {
			e.nearMiss = margin
		}
	}
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine with the default bases and threshold.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		bases:     DefaultBases(),
		threshold: DefaultThreshold,
		index:     newShardedIndex(defaultShardCount),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the flag threshold in force.
func (e *Engine) Threshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// SetThreshold raises or lowers the flag threshold at runtime. Values
// outside (0, 1] are ignored, matching WithThreshold. Sweeps already
// in flight keep the threshold they started with.
func (e *Engine) SetThreshold(threshold float64) {
	if threshold <= 0 || threshold > 1 {
		return
	}
	e.mu.Lock()
	old := e.threshold
	e.threshold = threshold
	e.mu.Unlock()
	if old != threshold {
		e.logger.Info("correlation flag threshold changed",
			slog.Float64("old", old),
			slog.Float64("new", threshold))
	}
}

// Add indexes one record for later sweeps.
func (e *Engine) Add(entityKey, source string, rec SourceRecord) {
	e.index.add(entityKey, source, rec)
}

// Entities returns the indexed entity keys in lexicographic order.
func (e *Engine) Entities() []string { return e.index.keys() }

// CorrelateEntity scores one indexed entity across everything indexed
// for it so far. ErrInsufficientSources until a second source shows up.
func (e *Engine) CorrelateEntity(entityKey string) (CorrelationMatch, error) {
	return e.Correlate(entityKey, e.index.snapshot(entityKey))
}

// pairScore evaluates every basis over one record pair.
func (e *Engine) pairScore(a, b SourceRecord) (float64, []string) {
	score := 0.0
	var basis []string
	for _, f := range e.bases {
		if f.Match(a, b) {
			score += f.Weight
			basis = append(basis, f.Name)
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, basis
}

// Correlate scores one entity's records across sources and returns the
// strongest cross-source pair.
//
// # Description
//
// Sources are iterated in sorted order and every cross-source record
// pair is scored, so identical inputs always produce the identical
// match. The returned match carries the names of the bases that fired.
// Flagged is set when the score reaches the threshold; a score exactly
// at the threshold flags.
//
// # Outputs
//
//   - CorrelationMatch: the best-scoring pair, Flagged per threshold.
//   - error: ErrInsufficientSources when fewer than two sources hold
//     records; ErrNoBases when the basis list is empty.
func (e *Engine) Correlate(entityKey string, recordsBySource map[string][]SourceRecord) (CorrelationMatch, error) {
	if len(e.bases) == 0 {
		return CorrelationMatch{}, ErrNoBases
	}

	sources := make([]string, 0, len(recordsBySource))
	for name, records := range recordsBySource {
		if len(records) > 0 {
			sources = append(sources, name)
		}
	}
	if len(sources) < 2 {
		return CorrelationMatch{}, ErrInsufficientSources
	}
	sort.Strings(sources)

	best := CorrelationMatch{EntityKey: entityKey}
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			for _, a := range recordsBySource[sources[i]] {
				for _, b := range recordsBySource[sources[j]] {
					score, basis := e.pairScore(a, b)
					// Strict > keeps the first pair in sorted
					// source order on ties.
					if score > best.Score {
						best.Score = score
						best.SourceA = sources[i]
						best.SourceB = sources[j]
						best.Basis = basis
					}
				}
			}
		}
	}
	if best.SourceA == "" {
		best.SourceA, best.SourceB = sources[0], sources[1]
	}

	best.Flagged = best.Score >= e.Threshold()
	if best.Flagged {
		e.logger.Info("cross-source correlation flagged",
			slog.String("entity_key", entityKey),
			slog.String("source_a", best.SourceA),
			slog.String("source_b", best.SourceB),
			slog.Float64("score", best.Score))
	}
	return best, nil
}

// TopMatches returns the n highest-scoring matches, score descending,
// ties broken by lexicographic entity key.
func TopMatches(matches []CorrelationMatch, n int) []CorrelationMatch {
	out := make([]CorrelationMatch, len(matches))
	copy(out, matches)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityKey < out[j].EntityKey
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}
