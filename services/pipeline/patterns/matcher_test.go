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
	"errors"
	"math"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Compile(defaultLibraryYAML)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return reg
}

func mustLoad(t *testing.T, reg *Registry, id string) *Pattern {
	t.Helper()
	p, err := reg.Load(id)
	if err != nil {
		t.Fatalf("Load(%s): %v", id, err)
	}
	return p
}

func TestMatch_DarkMoneyFullMatch(t *testing.T) {
	p := mustLoad(t, testRegistry(t), "generation_now")

	record := Record{
		"tax_status":                "501(c)(4)",
		"donor_disclosure_pct":      0.05,
		"annual_receipts":           61000000,
		"political_expenditure_pct": 0.9,
	}

	detail := p.Match(record)
	if !detail.Matched {
		t.Fatalf("full indicator match must flag, got %+v", detail)
	}
	// 4/4 indicators matched: score equals the risk weight.
	if math.Abs(detail.Score-0.9) > 1e-9 {
		t.Fatalf("Score = %v, want 0.9", detail.Score)
	}
	if len(detail.MatchedIndicators) != 4 || detail.TotalIndicators != 4 {
		t.Fatalf("indicators = %d/%d, want 4/4",
			len(detail.MatchedIndicators), detail.TotalIndicators)
	}
}

func TestMatch_PartialBelowThreshold(t *testing.T) {
	p := mustLoad(t, testRegistry(t), "generation_now")

	record := Record{
		"tax_status":           "501(c)(4)",
		"donor_disclosure_pct": 0.05,
		// High disclosure org with modest receipts: 2 of 4.
		"annual_receipts":           500000,
		"political_expenditure_pct": 0.10,
	}

	detail := p.Match(record)
	if detail.Matched {
		t.Fatalf("2/4 indicators must not flag, got %+v", detail)
	}
	if math.Abs(detail.Score-0.45) > 1e-9 {
		t.Fatalf("Score = %v, want 0.45", detail.Score)
	}
}

func TestMatch_MissingFieldCountsInDenominator(t *testing.T) {
	p := mustLoad(t, testRegistry(t), "generation_now")

	// Three matching indicators, one field absent entirely:
	// 3/4 * 0.9 = 0.675, just under the threshold.
	record := Record{
		"tax_status":           "501(c)(4)",
		"donor_disclosure_pct": 0.05,
		"annual_receipts":      61000000,
	}

	detail := p.Match(record)
	if detail.Matched {
		t.Fatalf("a record missing an indicator field must not inflate its score, got %+v", detail)
	}
	if math.Abs(detail.Score-0.675) > 1e-9 {
		t.Fatalf("Score = %v, want 0.675", detail.Score)
	}
}

func TestMatch_ConcurrentEnrollment(t *testing.T) {
	p := mustLoad(t, testRegistry(t), "concurrent_enrollment")

	if detail := p.Match(Record{"concurrent_months": 3}); !detail.Matched {
		t.Fatalf("3 concurrent months must flag, got %+v", detail)
	}
	if detail := p.Match(Record{"concurrent_months": 2}); detail.Matched || detail.Score != 0 {
		t.Fatalf("2 concurrent months must not flag, got %+v", detail)
	}
}

func TestMatch_ExplosiveGrowthBoundary(t *testing.T) {
	p := mustLoad(t, testRegistry(t), "feeding_our_future")

	full := Record{
		"yoy_growth_rate":          28.5,
		"site_capacity_ratio":      6.0,
		"onboarding_velocity_days": 3,
	}
	if detail := p.Match(full); !detail.Matched || math.Abs(detail.Score-0.95) > 1e-9 {
		t.Fatalf("explosive growth record = %+v, want matched at 0.95", detail)
	}

	// Growth exactly at the critical line is not "greater than".
	atLine := Record{
		"yoy_growth_rate":          28.0,
		"site_capacity_ratio":      6.0,
		"onboarding_velocity_days": 3,
	}
	if detail := p.Match(atLine); detail.Matched {
		t.Fatalf("2/3 indicators must not flag, got %+v", detail)
	}
}

func TestMatch_AttendanceInflation(t *testing.T) {
	p := mustLoad(t, testRegistry(t), "ecot_attendance")

	record := Record{
		"school_type":             "virtual",
		"claimed_enrollment":      15000,
		"attendance_variance_pct": 80,
	}
	detail := p.Match(record)
	if !detail.Matched || math.Abs(detail.Score-0.8) > 1e-9 {
		t.Fatalf("attendance inflation record = %+v, want matched at 0.8", detail)
	}
}

func TestMatch_ScoreThresholdBoundary(t *testing.T) {
	const src = `version: "t"
patterns:
  - id: at_line
    risk_weight: 0.70
    indicators:
      - {field: f, operator: eq, value: x}
  - id: under_line
    risk_weight: 0.699
    indicators:
      - {field: f, operator: eq, value: x}`

	reg, err := Compile([]byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	record := Record{"f": "x"}

	if detail := mustLoad(t, reg, "at_line").Match(record); !detail.Matched {
		t.Fatalf("score 0.70 must match, got %+v", detail)
	}
	if detail := mustLoad(t, reg, "under_line").Match(record); detail.Matched {
		t.Fatalf("score 0.699 must not match, got %+v", detail)
	}
}

func TestMatch_IndicatorWeights(t *testing.T) {
	const src = `version: "t"
patterns:
  - id: weighted
    risk_weight: 1.0
    indicators:
      - {field: strong, operator: eq, value: x, weight: 3.0}
      - {field: weak, operator: eq, value: x, weight: 1.0}`

	reg, err := Compile([]byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := mustLoad(t, reg, "weighted")

	if detail := p.Match(Record{"strong": "x"}); !detail.Matched || detail.Score != 0.75 {
		t.Fatalf("strong-only = %+v, want matched at 0.75", detail)
	}
	if detail := p.Match(Record{"weak": "x"}); detail.Matched || detail.Score != 0.25 {
		t.Fatalf("weak-only = %+v, want 0.25 unmatched", detail)
	}
}

func TestIndicator_Operators(t *testing.T) {
	tests := []struct {
		name   string
		ind    indicatorYAML
		actual any
		want   bool
	}{
		{"eq string", indicatorYAML{Field: "f", Operator: "eq", Value: "virtual"}, "virtual", true},
		{"eq string miss", indicatorYAML{Field: "f", Operator: "eq", Value: "virtual"}, "physical", false},
		{"eq int against float", indicatorYAML{Field: "f", Operator: "eq", Value: 3}, 3.0, true},
		{"ne", indicatorYAML{Field: "f", Operator: "ne", Value: "closed"}, "open", true},
		{"gt", indicatorYAML{Field: "f", Operator: "gt", Value: 1000000}, 2500000, true},
		{"gt at boundary", indicatorYAML{Field: "f", Operator: "gt", Value: 1000000}, 1000000, false},
		{"gte at boundary", indicatorYAML{Field: "f", Operator: "gte", Value: 3}, 3, true},
		{"lt", indicatorYAML{Field: "f", Operator: "lt", Value: 0.10}, 0.05, true},
		{"lte", indicatorYAML{Field: "f", Operator: "lte", Value: 5}, 7, false},
		{"numeric from string", indicatorYAML{Field: "f", Operator: "gt", Value: 10}, "15", true},
		{"numeric garbage actual", indicatorYAML{Field: "f", Operator: "gt", Value: 10}, "many", false},
		{"contains case-insensitive", indicatorYAML{Field: "f", Operator: "contains", Value: "LLC"}, "Acme Holdings llc", true},
		{"contains miss", indicatorYAML{Field: "f", Operator: "contains", Value: "LLC"}, "Acme Inc", false},
		{"in hit", indicatorYAML{Field: "f", Operator: "in", Value: []any{"a", "b", "c"}}, "b", true},
		{"in numeric hit", indicatorYAML{Field: "f", Operator: "in", Value: []any{1, 2, 3}}, 2.0, true},
		{"in miss", indicatorYAML{Field: "f", Operator: "in", Value: []any{"a", "b"}}, "z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind, err := compileIndicator(tt.ind)
			if err != nil {
				t.Fatalf("compileIndicator: %v", err)
			}
			if got := ind.evaluate(tt.actual); got != tt.want {
				t.Fatalf("evaluate(%v %s %v) = %v, want %v",
					tt.actual, tt.ind.Operator, tt.ind.Value, got, tt.want)
			}
		})
	}
}

func TestEngine_MatchAll(t *testing.T) {
	engine, err := NewEngine(testRegistry(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	hb6 := Record{
		"tax_status":                "501(c)(4)",
		"donor_disclosure_pct":      0.02,
		"annual_receipts":           60000000,
		"political_expenditure_pct": 0.95,
	}

	all := engine.MatchAll(context.Background(), hb6)
	if len(all.Details) != 4 {
		t.Fatalf("Details = %d, want 4", len(all.Details))
	}
	if all.BestMatch != "generation_now" || !all.AnyMatched {
		t.Fatalf("best = %q matched=%v, want generation_now matched", all.BestMatch, all.AnyMatched)
	}
	if all.Details[0].PatternID != "generation_now" {
		t.Fatalf("details must follow library order, got %s first", all.Details[0].PatternID)
	}

	benign := Record{"tax_status": "501(c)(3)", "annual_receipts": 80000}
	if all := engine.MatchAll(context.Background(), benign); all.AnyMatched {
		t.Fatalf("benign record matched: %+v", all)
	}
}

// fixedDetector is a registered capability with a constant verdict.
type fixedDetector struct {
	id    string
	score float64
}

func (d *fixedDetector) ID() string { return d.id }

func (d *fixedDetector) Score(record Record) float64 { return d.score }

func (d *fixedDetector) Match(record Record) MatchDetail {
	return MatchDetail{
		PatternID: d.id,
		Score:     d.score,
		Matched:   d.score >= MatchThreshold,
	}
}

func TestEngine_RegisteredDetector(t *testing.T) {
	custom := &fixedDetector{id: "kickback_ring", score: 0.99}
	engine, err := NewEngine(testRegistry(t), WithMatchers(custom))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	all := engine.MatchAll(context.Background(), Record{})
	if len(all.Details) != 5 {
		t.Fatalf("Details = %d, want 4 library + 1 registered", len(all.Details))
	}
	if all.BestMatch != "kickback_ring" {
		t.Fatalf("BestMatch = %q, want kickback_ring", all.BestMatch)
	}
	if all.Details[4].PatternID != "kickback_ring" {
		t.Fatal("registered detectors must evaluate after the library")
	}

	detail, err := engine.MatchPattern(context.Background(), Record{}, "kickback_ring")
	if err != nil {
		t.Fatalf("MatchPattern: %v", err)
	}
	if !detail.Matched {
		t.Fatalf("detail = %+v, want matched", detail)
	}
}

func TestEngine_MatchPatternNotFound(t *testing.T) {
	engine, err := NewEngine(testRegistry(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	_, err = engine.MatchPattern(context.Background(), Record{}, "ghost")
	var notFound *PatternNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want *PatternNotFoundError", err)
	}
}

func TestNewEngine_NilRegistry(t *testing.T) {
	if _, err := NewEngine(nil); err == nil {
		t.Fatal("NewEngine(nil) must fail")
	}
}
