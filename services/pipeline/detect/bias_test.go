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
	"errors"
	"math"
	"testing"
)

func TestCheckBias_Violation(t *testing.T) {
	// 0.6% disparity between flag rates, above the 0.5% ceiling.
	groups := map[string]float64{
		"group_a": 0.106,
		"group_b": 0.100,
	}

	report, err := CheckBias(context.Background(), groups, 0)
	if err == nil {
		t.Fatal("expected a bias violation")
	}

	var violation *BiasViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("error type = %T, want *BiasViolationError", err)
	}
	if violation.HighGroup != "group_a" || violation.LowGroup != "group_b" {
		t.Fatalf("bounding groups = (%s, %s), want (group_a, group_b)",
			violation.HighGroup, violation.LowGroup)
	}
	if math.Abs(violation.Disparity-0.006) > 1e-9 {
		t.Fatalf("disparity = %v, want 0.006", violation.Disparity)
	}
	if !report.Violation {
		t.Fatal("report must record the violation")
	}
}

func TestCheckBias_WithinTolerance(t *testing.T) {
	// 0.4% disparity stays under the ceiling.
	groups := map[string]float64{
		"group_a": 0.104,
		"group_b": 0.100,
	}

	report, err := CheckBias(context.Background(), groups, 0)
	if err != nil {
		t.Fatalf("CheckBias: %v", err)
	}
	if report.Violation {
		t.Fatal("0.4% disparity must not be a violation")
	}
	if report.HighGroup != "group_a" || report.LowGroup != "group_b" {
		t.Fatalf("bounding groups = (%s, %s), want (group_a, group_b)",
			report.HighGroup, report.LowGroup)
	}
}

func TestCheckBias_FewGroups(t *testing.T) {
	for _, groups := range []map[string]float64{
		nil,
		{"only": 0.42},
	} {
		report, err := CheckBias(context.Background(), groups, 0)
		if err != nil {
			t.Fatalf("CheckBias(%v): %v", groups, err)
		}
		if report.Violation || report.Disparity != 0 {
			t.Fatalf("fewer than two groups must pass, got %+v", report)
		}
	}
}

func TestCheckBias_EqualRatesDeterministic(t *testing.T) {
	groups := map[string]float64{
		"group_c": 0.2,
		"group_a": 0.2,
		"group_b": 0.2,
	}

	report, err := CheckBias(context.Background(), groups, 0)
	if err != nil {
		t.Fatalf("CheckBias: %v", err)
	}
	// Ties resolve to the lexicographically first group on both ends.
	if report.HighGroup != "group_a" || report.LowGroup != "group_a" {
		t.Fatalf("tied rates resolved to (%s, %s), want (group_a, group_a)",
			report.HighGroup, report.LowGroup)
	}
	if report.Disparity != 0 {
		t.Fatalf("disparity = %v, want 0", report.Disparity)
	}
}

func TestCheckBias_CustomThreshold(t *testing.T) {
	groups := map[string]float64{
		"group_a": 0.13,
		"group_b": 0.10,
	}

	if _, err := CheckBias(context.Background(), groups, 0.05); err != nil {
		t.Fatalf("3%% disparity under a 5%% threshold: %v", err)
	}
	if _, err := CheckBias(context.Background(), groups, 0.02); err == nil {
		t.Fatal("3% disparity over a 2% threshold must violate")
	}
}

func TestBiasViolationError_Message(t *testing.T) {
	err := &BiasViolationError{
		Disparity: 0.006,
		Threshold: 0.005,
		HighGroup: "group_a",
		LowGroup:  "group_b",
	}
	want := "bias violation: disparity 0.0060 >= 0.0050 (group_a vs group_b)"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
