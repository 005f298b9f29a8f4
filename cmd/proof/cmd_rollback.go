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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
)

// RollbackReport is the machine-readable result of a recovery run.
type RollbackReport struct {
	Procedure  string `json:"procedure"`
	RestoreSeq uint64 `json:"restore_sequence,omitempty"`
	Discarded  uint64 `json:"receipts_discarded,omitempty"`
	ReceiptSeq uint64 `json:"receipt_sequence"`
	State      string `json:"pipeline_state"`
}

// runRollback is the CLI handler for the "proof rollback" command.
//
// # Description
//
// Runs one audited recovery procedure. manual_clear and full_rollback
// require a halted or escalated pipeline; full_rollback additionally
// discards every receipt after the last verified anchor. Each
// procedure seals a rollback receipt naming the operator's reason, so
// recoveries are as auditable as the failures they repair.
//
// # Exit Codes
//
//   - 0: Procedure completed
//   - 1: Procedure refused (entry conditions unmet) or aborted
//   - 2: Error
func runRollback(cmd *cobra.Command, args []string) {
	procedure := args[0]

	if !rollbackYes {
		prompt := fmt.Sprintf("Run %s against the %s ledger?", procedure, cfg.TenantID)
		if procedure == "full_rollback" {
			prompt = fmt.Sprintf(
				"full_rollback DISCARDS every receipt after the last verified anchor on the %s ledger. Proceed?",
				cfg.TenantID)
		}
		if !confirmOrAbort(prompt) {
			fmt.Println("Aborted; nothing changed.")
			os.Exit(CLIExitFindings)
		}
	}

	withPipeline(false, func(ctx context.Context, svc *pipeline.Service) int {
		result, err := svc.Rollback(ctx, pipeline.RollbackRequest{
			Procedure:    procedure,
			Reason:       rollbackReason,
			NewThreshold: rollbackThresh,
			ToVersion:    rollbackToVer,
		})
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrUnknownProcedure),
				errors.Is(err, pipeline.ErrProcedureRefused),
				errors.Is(err, pipeline.ErrNoRestorePoint):
				OutputError(jsonOutput, "Rollback refused", err)
				return CLIExitFindings
			default:
				OutputError(jsonOutput, "Rollback failed", err)
				return CLIExitError
			}
		}

		report := RollbackReport{
			Procedure:  result.Procedure,
			RestoreSeq: result.RestoreSeq,
			Discarded:  result.Discarded,
			ReceiptSeq: result.Receipt.Sequence,
			State:      svc.State(),
		}

		if jsonOutput {
			if err := OutputJSON(report, false); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return CLIExitError
			}
			return CLIExitSuccess
		}

		fmt.Printf("Procedure %s completed; rollback receipt sealed at sequence %d.\n",
			report.Procedure, report.ReceiptSeq)
		if report.Discarded > 0 {
			fmt.Printf("Restored to sequence %d, discarding %d receipts.\n",
				report.RestoreSeq, report.Discarded)
		}
		fmt.Printf("Pipeline state: %s\n", report.State)
		return CLIExitSuccess
	})
}
