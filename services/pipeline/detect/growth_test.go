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
	"math"
	"testing"
	"time"
)

func TestGrowthRate(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"no points", nil, 0.0},
		{"single point", []float64{100}, 0.0},
		{"flat from zero", []float64{0, 0, 0}, 0.0},
		{"doubling", []float64{100, 150, 200}, 2.0},
		{"five x", []float64{10, 20, 50}, 5.0},
		{"decline", []float64{200, 100}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GrowthRate(tt.values); got != tt.want {
				t.Fatalf("GrowthRate(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestGrowthRate_FromZeroIsInfinite(t *testing.T) {
	got := GrowthRate([]float64{0, 500})
	if !math.IsInf(got, 1) {
		t.Fatalf("GrowthRate from zero baseline = %v, want +Inf", got)
	}
}

func TestMaxPeriodRate_FindsHiddenBurst(t *testing.T) {
	// End-over-start is 2.5x, under the alert line, but one period
	// jumped 5x.
	values := []float64{2, 10, 5}
	if got := MaxPeriodRate(values); got != 5.0 {
		t.Fatalf("MaxPeriodRate(%v) = %v, want 5.0", values, got)
	}
	if overall := GrowthRate(values); overall >= DefaultGrowthAlert {
		t.Fatalf("test premise broken: overall rate %v should be under alert", overall)
	}
}

func TestGrowthAnalyzer_Thresholds(t *testing.T) {
	g := NewGrowthAnalyzer()
	ctx := context.Background()

	tests := []struct {
		name         string
		values       []float64
		wantAlert    bool
		wantCritical bool
	}{
		{"under alert", []float64{100, 499}, false, false},
		{"at alert", []float64{100, 500}, true, false},
		{"between", []float64{100, 2700}, true, false},
		{"at critical", []float64{100, 2800}, true, true},
		{"beyond critical", []float64{100, 10000}, true, true},
		{"from zero baseline", []float64{0, 1}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := g.Analyze(ctx, "sponsor-9", tt.values)
			if report.Alert != tt.wantAlert || report.Critical != tt.wantCritical {
				t.Fatalf("Analyze(%v) = (alert=%v, critical=%v), want (%v, %v)",
					tt.values, report.Alert, report.Critical, tt.wantAlert, tt.wantCritical)
			}
		})
	}
}

func TestGrowthAnalyzer_CustomThresholds(t *testing.T) {
	g := NewGrowthAnalyzer(WithGrowthThresholds(2.0, 4.0))

	if r := g.Analyze(context.Background(), "s", []float64{10, 30}); !r.Alert || r.Critical {
		t.Fatalf("3x with thresholds (2, 4) = (alert=%v, critical=%v), want (true, false)",
			r.Alert, r.Critical)
	}
}

func TestGrowthAnalyzer_InvalidThresholdsIgnored(t *testing.T) {
	g := NewGrowthAnalyzer(WithGrowthThresholds(10.0, 2.0))

	if r := g.Analyze(context.Background(), "s", []float64{100, 500}); !r.Alert {
		t.Fatal("defaults not preserved after invalid threshold option")
	}
}

func TestYearOverYear(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	points := map[time.Time]float64{
		day(2023, time.February, 1): 40,
		day(2023, time.November, 3): 60,
		day(2024, time.June, 15):    300,
		day(2025, time.January, 9):  500,
	}

	got := YearOverYear(points)
	want := []float64{100, 300, 500}
	if len(got) != len(want) {
		t.Fatalf("YearOverYear = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("YearOverYear[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestYearOverYear_GapYearIsZero(t *testing.T) {
	points := map[time.Time]float64{
		time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC): 100,
		time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC): 500,
	}

	got := YearOverYear(points)
	if len(got) != 3 || got[1] != 0 {
		t.Fatalf("YearOverYear with gap year = %v, want [100 0 500]", got)
	}
}

func TestYearOverYear_Empty(t *testing.T) {
	if got := YearOverYear(nil); got != nil {
		t.Fatalf("YearOverYear(nil) = %v, want nil", got)
	}
}

func TestOnboardingVelocity(t *testing.T) {
	tests := []struct {
		name         string
		daysToPeak   int
		peakMultiple float64
		wantScore    float64
		wantFlagged  bool
	}{
		{"instant peak at extreme capacity", 5, 6.0, 0.9, true},
		{"week boundary at extreme capacity", 7, 5.0, 0.9, true},
		{"fast ramp modest volume", 3, 2.0, 0.6, true},
		{"month ramp elevated volume", 20, 2.5, 0.4, false},
		{"quarter ramp within capacity", 60, 1.0, 0.15, false},
		{"slow ramp within capacity", 100, 1.5, 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := OnboardingVelocity("site-12", tt.daysToPeak, tt.peakMultiple)
			if math.Abs(r.Score-tt.wantScore) > 1e-9 || r.Flagged != tt.wantFlagged {
				t.Fatalf("OnboardingVelocity(%d, %v) = (score=%v, flagged=%v), want (%v, %v)",
					tt.daysToPeak, tt.peakMultiple, r.Score, r.Flagged, tt.wantScore, tt.wantFlagged)
			}
		})
	}
}
