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
	"sort"
)

// DefaultBiasThreshold is the maximum tolerated disparity between
// demographic group outcome rates. Half a percentage point: tighter
// than any regulatory floor, because a detection pipeline that flags
// one community more often than another is itself the harm this
// system exists to prevent.
const DefaultBiasThreshold = 0.005

// BiasReport is the outcome of one disparity check across groups.
type BiasReport struct {
	Disparity float64
	Threshold float64
	HighGroup string
	LowGroup  string
	Rates     map[string]float64
	Violation bool
}

// CheckBias measures the outcome-rate disparity across demographic
// groups.
//
// # Description
//
// Disparity is max(rate) - min(rate) over the groups. A disparity at
// or above the threshold returns a *BiasViolationError alongside the
// report; the report itself is always populated so callers can log
// and emit it regardless. Fewer than two groups cannot have a
// disparity and always pass.
//
// # Inputs
//
//   - groups: outcome rate per demographic group, each in [0, 1].
//   - threshold: maximum tolerated disparity; <= 0 selects
//     DefaultBiasThreshold.
//
// # Outputs
//
//   - BiasReport: disparity, bounding groups, and the verdict.
//   - error: *BiasViolationError when disparity >= threshold.
func CheckBias(ctx context.Context, groups map[string]float64, threshold float64) (BiasReport, error) {
	if threshold <= 0 {
		threshold = DefaultBiasThreshold
	}

	report := BiasReport{
		Threshold: threshold,
		Rates:     groups,
	}
	if len(groups) < 2 {
		recordBiasCheck(ctx, 0, false)
		return report, nil
	}

	// Sorted iteration so the bounding groups are deterministic
	// when rates tie.
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	report.HighGroup = names[0]
	report.LowGroup = names[0]
	for _, name := range names[1:] {
		if groups[name] > groups[report.HighGroup] {
			report.HighGroup = name
		}
		if groups[name] < groups[report.LowGroup] {
			report.LowGroup = name
		}
	}
	report.Disparity = groups[report.HighGroup] - groups[report.LowGroup]
	report.Violation = report.Disparity >= threshold

	recordBiasCheck(ctx, report.Disparity, report.Violation)

	if report.Violation {
		return report, &BiasViolationError{
			Disparity: report.Disparity,
			Threshold: threshold,
			HighGroup: report.HighGroup,
			LowGroup:  report.LowGroup,
		}
	}
	return report, nil
}
