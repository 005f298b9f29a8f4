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

import "testing"

func TestDetectStructuring_ClusterUnderReportingLine(t *testing.T) {
	report := DetectStructuring([]float64{9500, 9600, 9700})

	if !report.Flagged || len(report.Clusters) != 1 {
		t.Fatalf("report = %+v, want one flagged cluster", report)
	}
	c := report.Clusters[0]
	if c.Threshold != 10000 || c.Count != 3 || c.TotalAmount != 28800 {
		t.Fatalf("cluster = %+v, want threshold 10000, count 3, total 28800", c)
	}
}

func TestDetectStructuring_TwoIsCoincidence(t *testing.T) {
	report := DetectStructuring([]float64{9500, 9600, 250, 4100})
	if report.Flagged {
		t.Fatalf("two amounts under a threshold flagged: %+v", report)
	}
}

func TestDetectStructuring_BandBoundaries(t *testing.T) {
	// 9000 is inside the band, 10000 is not.
	report := DetectStructuring([]float64{9000, 9000, 9999, 10000})
	if len(report.Clusters) != 1 || report.Clusters[0].Count != 3 {
		t.Fatalf("report = %+v, want a count-3 cluster at 10000", report)
	}
	if report.Analyzed != 4 {
		t.Fatalf("Analyzed = %d, want 4", report.Analyzed)
	}
}

func TestDetectStructuring_MultipleBands(t *testing.T) {
	amounts := []float64{
		950, 960, 970, // under $1,000
		9300, 9400, 9500, // under $10,000
		6200, 120, // noise
	}

	report := DetectStructuring(amounts)
	if len(report.Clusters) != 2 {
		t.Fatalf("clusters = %+v, want 2", report.Clusters)
	}
	// Highest threshold reported first.
	if report.Clusters[0].Threshold != 10000 || report.Clusters[1].Threshold != 1000 {
		t.Fatalf("cluster order = %v then %v, want 10000 then 1000",
			report.Clusters[0].Threshold, report.Clusters[1].Threshold)
	}
}

func TestDetectStructuring_IgnoresNonPositive(t *testing.T) {
	report := DetectStructuring([]float64{0, -9500, 9500, 9600, 9700})
	if report.Analyzed != 5 {
		t.Fatalf("Analyzed = %d, want 5", report.Analyzed)
	}
	if len(report.Clusters) != 1 || report.Clusters[0].Count != 3 {
		t.Fatalf("report = %+v, want one count-3 cluster", report)
	}
}

func TestDetectStructuring_Empty(t *testing.T) {
	report := DetectStructuring(nil)
	if report.Flagged || report.Analyzed != 0 {
		t.Fatalf("empty input report = %+v", report)
	}
}
