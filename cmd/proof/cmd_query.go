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
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// runQuery is the CLI handler for the "proof query" command.
//
// # Description
//
// Reads sealed receipts by kind or time window. Every query seals a
// query receipt of its own, so audit reads are themselves auditable.
// Payload bodies are printed with --json; the table view shows the
// envelope only.
//
// # Exit Codes
//
//   - 0: Query ran (zero matches is still success)
//   - 2: Error
func runQuery(cmd *cobra.Command, args []string) {
	req := pipeline.QueryRequest{}

	if queryKind != "" {
		req.Kind = receipt.Kind(queryKind)
		if !receipt.NewKindRegistry().Known(req.Kind) {
			OutputError(jsonOutput, "Invalid kind", fmt.Errorf("%q is not a receipt kind", queryKind))
			os.Exit(CLIExitError)
		}
	}
	if querySince != "" {
		t, err := time.Parse(time.RFC3339, querySince)
		if err != nil {
			OutputError(jsonOutput, "Invalid --since", err)
			os.Exit(CLIExitError)
		}
		req.From = t
	}
	if queryUntil != "" {
		t, err := time.Parse(time.RFC3339, queryUntil)
		if err != nil {
			OutputError(jsonOutput, "Invalid --until", err)
			os.Exit(CLIExitError)
		}
		req.To = t
	}
	if req.Kind != "" && (!req.From.IsZero() || !req.To.IsZero()) {
		OutputError(jsonOutput, "Invalid query", fmt.Errorf("--kind and --since/--until are mutually exclusive"))
		os.Exit(CLIExitError)
	}

	withPipeline(false, func(ctx context.Context, svc *pipeline.Service) int {
		res, err := svc.Query(ctx, req)
		if err != nil {
			OutputError(jsonOutput, "Query failed", err)
			return CLIExitError
		}

		receipts := res.Receipts
		truncated := false
		if queryLimit > 0 && len(receipts) > queryLimit {
			receipts = receipts[:queryLimit]
			truncated = true
		}

		if jsonOutput {
			out := struct {
				Total     int               `json:"total_scanned"`
				Matching  int               `json:"matching"`
				Truncated bool              `json:"truncated,omitempty"`
				Receipts  []receipt.Receipt `json:"receipts"`
			}{res.Total, res.Matching, truncated, receipts}
			if err := OutputJSON(out, false); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return CLIExitError
			}
			return CLIExitSuccess
		}

		fmt.Printf("Scanned %d receipts, %d matching.\n", res.Total, res.Matching)
		for _, r := range receipts {
			pruned := ""
			if r.Pruned {
				pruned = " [payload pruned]"
			}
			fmt.Printf("  seq=%-8d %-24s %s%s\n",
				r.Sequence, r.Kind, r.TS.Format(time.RFC3339), pruned)
		}
		if truncated {
			fmt.Printf("  ... %d more (raise --limit to see them)\n", res.Matching-queryLimit)
		}
		return CLIExitSuccess
	})
}
