// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health reports the pipeline's operating condition for
// supervisors: current policy state, chain position, and anchoring
// freshness, plus a watchdog that sweeps named self-checks and
// receipts the result.
package health

import (
	"strings"
	"time"
)

// Snapshot is the health-check boundary: everything an external
// supervisor polls on an interval.
type Snapshot struct {
	// State is the stoprule policy state (NORMAL, DEGRADED, HALTED,
	// ESCALATED).
	State string `json:"state"`

	// Healthy is true while the pipeline accepts appends and the last
	// watchdog sweep passed.
	Healthy bool `json:"healthy"`

	// TailSequence is the sequence number of the newest receipt.
	TailSequence uint64 `json:"tail_sequence"`

	// Receipts is the chain length.
	Receipts uint64 `json:"receipts"`

	// LastAnchorSeq is the sequence of the most recent anchor
	// receipt, zero when the chain has never been anchored.
	LastAnchorSeq uint64 `json:"last_anchor_sequence"`

	// LastAnchorTime is when that anchor was cut; zero when the chain
	// has never been anchored.
	LastAnchorTime time.Time `json:"last_anchor_time"`

	// AnchorLag is the number of receipts sealed since the last
	// anchor.
	AnchorLag uint64 `json:"anchor_lag_receipts"`

	// AnchorFresh is the freshness verdict for the anchoring
	// schedule.
	AnchorFresh bool `json:"anchor_fresh"`

	// CheckedAt stamps the snapshot.
	CheckedAt time.Time `json:"checked_at"`
}

// Operational reports whether the pipeline is accepting appends.
func (s Snapshot) Operational() bool {
	return s.State == "NORMAL" || s.State == "DEGRADED"
}

// AnchorFreshness decides whether anchoring is keeping up.
//
//	Description:
//	  The anchor is fresh while the unanchored backlog is below the
//	  batch trigger and, when a time trigger is configured, the last
//	  anchor is younger than twice the interval. A chain that has
//	  never been anchored is fresh only while it is still shorter
//	  than one batch.
//
//	Inputs:
//	  lag       - Receipts sealed since the last anchor.
//	  batchSize - The anchorer's receipt-count trigger.
//	  lastAt    - When the last anchor was cut; zero if never.
//	  interval  - The anchorer's time trigger; zero when disabled.
//	  now       - Evaluation time.
//
//	Outputs:
//	  true while the anchoring schedule is keeping up.
func AnchorFreshness(lag uint64, batchSize int, lastAt time.Time, interval time.Duration, now time.Time) bool {
	if batchSize > 0 && lag >= uint64(batchSize) {
		return false
	}
	if lastAt.IsZero() {
		// Never anchored: fresh only while under one batch.
		return batchSize <= 0 || lag < uint64(batchSize)
	}
	if interval > 0 && now.Sub(lastAt) >= 2*interval {
		return false
	}
	return true
}

// CheckResult is the outcome of one watchdog self-check.
type CheckResult struct {
	Module  string   `json:"module"`
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

// pass builds a passing result.
func pass(module string) CheckResult {
	return CheckResult{Module: module, Healthy: true}
}

// fail builds a failing result with its issues.
func fail(module string, issues ...string) CheckResult {
	return CheckResult{Module: module, Healthy: false, Issues: issues}
}

// Summarize flattens check results into the receipt's checks map and
// an overall verdict.
func Summarize(results []CheckResult) (checks map[string]bool, healthy bool) {
	checks = make(map[string]bool, len(results))
	healthy = true
	for _, r := range results {
		checks[r.Module] = r.Healthy
		if !r.Healthy {
			healthy = false
		}
	}
	return checks, healthy
}

// issueList joins issues for log lines.
func issueList(results []CheckResult) string {
	var parts []string
	for _, r := range results {
		if r.Healthy {
			continue
		}
		for _, issue := range r.Issues {
			parts = append(parts, r.Module+": "+issue)
		}
	}
	return strings.Join(parts, "; ")
}
