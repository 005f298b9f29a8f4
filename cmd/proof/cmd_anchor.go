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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// AnchorReport is the machine-readable result of a manual anchor cut.
type AnchorReport struct {
	Anchored   bool   `json:"anchored"`
	Sequence   uint64 `json:"anchor_sequence,omitempty"`
	MerkleRoot string `json:"merkle_root,omitempty"`
	LeafCount  int    `json:"leaf_count,omitempty"`
}

// runAnchor is the CLI handler for the "proof anchor" command.
//
// # Description
//
// Cuts a Merkle anchor over every receipt sealed since the last
// anchor, appends the anchor receipt to the chain, and updates
// MANIFEST.anchor. A no-op when nothing is pending.
//
// # Exit Codes
//
//   - 0: Anchor cut, or nothing pending
//   - 2: Error
func runAnchor(cmd *cobra.Command, args []string) {
	withPipeline(false, func(ctx context.Context, svc *pipeline.Service) int {
		r, ok, err := svc.Anchor(ctx)
		if err != nil {
			OutputError(jsonOutput, "Anchor failed", err)
			return CLIExitError
		}

		report := AnchorReport{Anchored: ok}
		if ok {
			report.Sequence = r.Sequence
			var payload receipt.AnchorPayload
			if err := json.Unmarshal(r.Payload, &payload); err == nil {
				report.MerkleRoot = payload.MerkleRoot
				report.LeafCount = payload.LeafCount
			}
		}

		if jsonOutput {
			if err := OutputJSON(report, false); err != nil {
				OutputError(false, "Failed to encode JSON", err)
				return CLIExitError
			}
			return CLIExitSuccess
		}

		if !ok {
			fmt.Println("Nothing pending; no anchor cut.")
			return CLIExitSuccess
		}
		fmt.Printf("Anchor sealed at sequence %d over %d receipts.\nMerkle root: %s\n",
			report.Sequence, report.LeafCount, report.MerkleRoot)
		return CLIExitSuccess
	})
}
