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

// Reporting thresholds that structurers split transactions under.
// $10,000 is the federal currency transaction report line; the lower
// tiers catch layered splitting once the top tier is being watched.
var structuringThresholds = []float64{10000, 5000, 3000, 1000}

// structuringMinCluster is the cluster size below a threshold that
// stops looking like coincidence.
const structuringMinCluster = 3

// ThresholdCluster is one group of amounts packed just under a
// reporting threshold.
type ThresholdCluster struct {
	Threshold   float64
	Count       int
	TotalAmount float64
}

// StructuringReport is the result of a threshold-avoidance sweep.
type StructuringReport struct {
	Analyzed int
	Clusters []ThresholdCluster
	Flagged  bool
}

// DetectStructuring finds amounts clustered just below reporting
// thresholds.
//
//	Description:
//	  For each threshold T, counts amounts in [0.9*T, T). Three or
//	  more in one band is a cluster. Zero and negative amounts are
//	  ignored. Clusters are reported highest threshold first.
//
//	Inputs:
//	  - amounts: transaction amounts in any order.
//
//	Outputs:
//	  - StructuringReport: clusters found and the flag verdict.
func DetectStructuring(amounts []float64) StructuringReport {
	report := StructuringReport{Analyzed: len(amounts)}

	for _, threshold := range structuringThresholds {
		count := 0
		total := 0.0
		lo := threshold * 0.9
		for _, a := range amounts {
			if a <= 0 {
				continue
			}
			if a >= lo && a < threshold {
				count++
				total += a
			}
		}
		if count >= structuringMinCluster {
			report.Clusters = append(report.Clusters, ThresholdCluster{
				Threshold:   threshold,
				Count:       count,
				TotalAmount: total,
			})
		}
	}

	report.Flagged = len(report.Clusters) > 0
	return report
}
