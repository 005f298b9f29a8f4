// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// MatchThreshold is the score at which a record matches a signature.
const MatchThreshold = 0.70

// Operator is an indicator comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNe: true,
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpContains: true, OpIn: true,
}

// numericOperators require both sides to coerce to float64.
var numericOperators = map[Operator]bool{
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
}

// Record is one financial record reduced to the fields indicators
// test. Values are the scalar types YAML and JSON decoding produce.
type Record map[string]any

// IndicatorMatch reports one indicator that fired.
type IndicatorMatch struct {
	Field    string
	Operator Operator
	Expected any
	Actual   any
}

// MatchDetail is the result of evaluating one signature over one
// record.
type MatchDetail struct {
	PatternID         string
	PatternType       string
	Score             float64
	Matched           bool
	MatchedIndicators []IndicatorMatch
	TotalIndicators   int
}

// compiledIndicator is one indicator predicate with its comparison
// target pre-coerced at library compile time.
type compiledIndicator struct {
	Field    string
	Operator Operator
	Weight   float64
	raw      any

	num    float64 // numeric target, when hasNum
	hasNum bool
	str    string // lowered string target for contains
	list   []any  // membership targets for in
}

// compileIndicator validates one indicator and pre-computes its
// comparison target.
func compileIndicator(iy indicatorYAML) (compiledIndicator, error) {
	op := Operator(iy.Operator)
	if !validOperators[op] {
		return compiledIndicator{}, fmt.Errorf("unknown operator %q (valid: %s)",
			iy.Operator, strings.Join(sortedOperators(), ", "))
	}
	if iy.Field == "" {
		return compiledIndicator{}, fmt.Errorf("missing field")
	}

	weight := iy.Weight
	if weight == 0 {
		weight = 1.0
	}
	if weight < 0 {
		return compiledIndicator{}, fmt.Errorf("negative weight %v", weight)
	}

	ind := compiledIndicator{
		Field:    iy.Field,
		Operator: op,
		Weight:   weight,
		raw:      iy.Value,
	}

	switch {
	case numericOperators[op]:
		num, ok := toFloat(iy.Value)
		if !ok {
			return compiledIndicator{}, fmt.Errorf("operator %s needs a numeric value, got %T", op, iy.Value)
		}
		ind.num = num
		ind.hasNum = true
	case op == OpContains:
		s, ok := toString(iy.Value)
		if !ok {
			return compiledIndicator{}, fmt.Errorf("operator contains needs a scalar value, got %T", iy.Value)
		}
		ind.str = strings.ToLower(s)
	case op == OpIn:
		list, ok := iy.Value.([]any)
		if !ok || len(list) == 0 {
			return compiledIndicator{}, fmt.Errorf("operator in needs a non-empty list, got %T", iy.Value)
		}
		ind.list = list
	}

	return ind, nil
}

// toFloat coerces the scalar types YAML/JSON decoding produces.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toString renders scalars for string comparison.
func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case int, int64, uint64, float32, float64:
		return fmt.Sprintf("%v", s), true
	default:
		return "", false
	}
}

// equalValues compares numerically when both sides coerce, otherwise
// by string form. An integer 3 equals a float 3.0 across the
// YAML/JSON decoding boundary.
func equalValues(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	sa, aok := toString(a)
	sb, bok := toString(b)
	return aok && bok && sa == sb
}

// evaluate applies one compiled indicator to a record value.
func (ind compiledIndicator) evaluate(actual any) bool {
	switch ind.Operator {
	case OpEq:
		return equalValues(actual, ind.raw)
	case OpNe:
		return !equalValues(actual, ind.raw)
	case OpGt, OpLt, OpGte, OpLte:
		f, ok := toFloat(actual)
		if !ok {
			return false
		}
		switch ind.Operator {
		case OpGt:
			return f > ind.num
		case OpLt:
			return f < ind.num
		case OpGte:
			return f >= ind.num
		default:
			return f <= ind.num
		}
	case OpContains:
		s, ok := toString(actual)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(s), ind.str)
	case OpIn:
		for _, member := range ind.list {
			if equalValues(actual, member) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ID implements Scorer.
func (p *Pattern) ID() string { return p.PatternID }

// Score implements Scorer; it is Match without the explanation.
func (p *Pattern) Score(record Record) float64 {
	return p.Match(record).Score
}

// Match evaluates the signature over one record.
//
// # Description
//
// Pure and side-effect free. Every indicator contributes its weight
// to the denominator whether or not the record carries the field; an
// absent field simply cannot match. Score = (matched weight / total
// weight) * risk weight, so a record matching every indicator scores
// exactly the signature's risk weight.
func (p *Pattern) Match(record Record) MatchDetail {
	detail := MatchDetail{
		PatternID:       p.PatternID,
		PatternType:     p.Type,
		TotalIndicators: len(p.indicators),
	}

	totalWeight := 0.0
	matchedWeight := 0.0
	for _, ind := range p.indicators {
		totalWeight += ind.Weight

		actual, present := record[ind.Field]
		if !present || actual == nil {
			continue
		}
		if ind.evaluate(actual) {
			matchedWeight += ind.Weight
			detail.MatchedIndicators = append(detail.MatchedIndicators, IndicatorMatch{
				Field:    ind.Field,
				Operator: ind.Operator,
				Expected: ind.raw,
				Actual:   actual,
			})
		}
	}

	if totalWeight > 0 {
		detail.Score = (matchedWeight / totalWeight) * p.RiskWeight
	}
	detail.Matched = detail.Score >= MatchThreshold
	return detail
}

// Compile-time interface checks.
var (
	_ Scorer  = (*Pattern)(nil)
	_ Matcher = (*Pattern)(nil)
)

// Scorer is the minimal detector capability: a stable ID and a score.
type Scorer interface {
	ID() string
	Score(record Record) float64
}

// Matcher is a detector that can also explain which indicators fired.
// Additional domain detectors register through this pair at engine
// construction; there is no runtime registration.
type Matcher interface {
	Scorer
	Match(record Record) MatchDetail
}

// =============================================================================
// Engine
// =============================================================================

// AllMatches is the result of evaluating every signature over one
// record.
type AllMatches struct {
	Details      []MatchDetail
	BestMatch    string
	HighestScore float64
	AnyMatched   bool
}

// Engine evaluates the compiled library, plus any detectors
// registered at construction, over records.
type Engine struct {
	registry *Registry
	extra    []Matcher
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMatchers registers additional detectors evaluated after the
// library's signatures.
func WithMatchers(matchers ...Matcher) EngineOption {
	return func(e *Engine) {
		e.extra = append(e.extra, matchers...)
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

// NewEngine builds an evaluation engine over a compiled registry.
func NewEngine(registry *Registry, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("patterns: registry must not be nil")
	}
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry exposes the engine's compiled library.
func (e *Engine) Registry() *Registry { return e.registry }

// MatchPattern evaluates one signature by ID.
func (e *Engine) MatchPattern(ctx context.Context, record Record, patternID string) (MatchDetail, error) {
	p, err := e.registry.Load(patternID)
	if err != nil {
		for _, m := range e.extra {
			if m.ID() == patternID {
				return e.evaluate(m, record), nil
			}
		}
		return MatchDetail{}, err
	}
	return e.evaluate(p, record), nil
}

// MatchAll evaluates the whole library over one record.
//
// # Outputs
//
//   - AllMatches: per-signature details in library order (registered
//     detectors last), the best-scoring signature, and whether any
//     matched.
func (e *Engine) MatchAll(ctx context.Context, record Record) AllMatches {
	_, span := tracer.Start(ctx, "patterns.MatchAll")
	defer span.End()

	all := AllMatches{}
	for _, p := range e.registry.All() {
		all.add(e.evaluate(p, record))
	}
	for _, m := range e.extra {
		all.add(e.evaluate(m, record))
	}

	span.SetAttributes(
		attribute.Int("patterns_evaluated", len(all.Details)),
		attribute.String("best_match", all.BestMatch),
		attribute.Float64("highest_score", all.HighestScore),
		attribute.Bool("any_matched", all.AnyMatched),
	)

	if all.AnyMatched {
		e.logger.Info("record matched fraud signature",
			slog.String("best_match", all.BestMatch),
			slog.Float64("score", all.HighestScore))
	}
	return all
}

// add folds one detail into the running result. Strict > keeps the
// first signature in library order on score ties.
func (a *AllMatches) add(detail MatchDetail) {
	a.Details = append(a.Details, detail)
	if detail.Score > a.HighestScore {
		a.HighestScore = detail.Score
		a.BestMatch = detail.PatternID
	}
	if detail.Matched {
		a.AnyMatched = true
	}
}

// evaluate runs one detector and records match metrics.
func (e *Engine) evaluate(m Matcher, record Record) MatchDetail {
	start := time.Now()
	detail := m.Match(record)
	patternMatchLatency.Observe(time.Since(start).Seconds())
	patternMatchDecisions.WithLabelValues(detail.PatternID, strconv.FormatBool(detail.Matched)).Inc()
	return detail
}
