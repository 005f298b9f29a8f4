// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
)

// runStatus is the CLI handler for the "proof status" command.
//
// # Description
//
// Opens the ledger and prints the health snapshot: stoprule state,
// chain length, last anchor, and anchor freshness against the
// configured schedule.
//
// # Exit Codes
//
//   - 0: Pipeline operational
//   - 1: Pipeline halted, escalated, or unhealthy
//   - 2: Error
func runStatus(cmd *cobra.Command, args []string) {
	withPipeline(false, func(ctx context.Context, svc *pipeline.Service) int {
		snap := svc.Health(ctx)

		if jsonOutput {
			if err := OutputJSON(snap, false); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return CLIExitError
			}
			if !snap.Operational() || !snap.Healthy {
				return CLIExitFindings
			}
			return CLIExitSuccess
		}

		fmt.Println("--- AleutianProof Pipeline Status ---")
		fmt.Printf("Tenant:        %s\n", cfg.TenantID)
		fmt.Printf("State:         %s\n", snap.State)
		fmt.Printf("Healthy:       %t\n", snap.Healthy)
		fmt.Printf("Receipts:      %d (tail sequence %d)\n", snap.Receipts, snap.TailSequence)
		if snap.LastAnchorSeq == 0 && snap.LastAnchorTime.IsZero() {
			fmt.Println("Last anchor:   never")
		} else {
			fmt.Printf("Last anchor:   sequence %d at %s\n",
				snap.LastAnchorSeq, snap.LastAnchorTime.Format(time.RFC3339))
		}
		fmt.Printf("Anchor lag:    %d receipts (fresh: %t)\n", snap.AnchorLag, snap.AnchorFresh)
		fmt.Printf("Checked at:    %s\n", snap.CheckedAt.Format(time.RFC3339))
		fmt.Println("-------------------------------------")

		if !snap.Operational() || !snap.Healthy {
			return CLIExitFindings
		}
		return CLIExitSuccess
	})
}
