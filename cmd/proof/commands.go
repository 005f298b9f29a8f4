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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	ingestSource   string
	ingestDryRun   bool
	verifyFrom     uint64
	verifyTo       uint64
	verifyAnchors  bool
	verifyReceipt  int64
	queryKind      string
	querySince     string
	queryUntil     string
	queryLimit     int
	rollbackReason string
	rollbackThresh float64
	rollbackToVer  string
	rollbackYes    bool
	watchInterval  string
	jsonOutput     bool

	rootCmd = &cobra.Command{
		Use:   "proof",
		Short: "A cli to operate the AleutianProof accountability ledger",
		Long: `proof manages the append-only receipt ledger and its detection
				pipeline: ingest record batches, verify the hash chain and its
				Merkle anchors, inspect pipeline health, and run the audited
				recovery procedures.`,
	}

	// --- Ingestion ---
	ingestCmd = &cobra.Command{
		Use:     "ingest [file.jsonl ...]",
		Short:   "Ingest JSONL record batches through the detection pipeline",
		Aliases: []string{"i"},
		Args:    cobra.MinimumNArgs(1),
		Run:     runIngest, // Defined in cmd_ingest.go
	}

	// --- Chain Integrity ---
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Recompute the receipt chain and report any tampering",
		Long: `Walks the stored receipts in sequence order, recomputing every
				chain hash from the genesis seed forward. With --anchors, also
				rebuilds each anchored Merkle root from current ledger contents.`,
		Run: runVerify, // Defined in cmd_verify.go
	}

	anchorCmd = &cobra.Command{
		Use:   "anchor",
		Short: "Cut a Merkle anchor over the pending receipt segment now",
		Run:   runAnchor, // Defined in cmd_anchor.go
	}

	// --- Observation ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state, chain length, and anchor freshness",
		Run:   runStatus, // Defined in cmd_status.go
	}

	queryCmd = &cobra.Command{
		Use:   "query",
		Short: "Query sealed receipts by kind or time range",
		Run:   runQuery, // Defined in cmd_query.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Poll pipeline health and watch the anchor manifest for changes",
		Run:   runWatch, // Defined in cmd_watch.go
	}

	// --- Pattern Library ---
	patternsCmd = &cobra.Command{
		Use:   "patterns",
		Short: "Base command to interact with the fraud signature library",
		Long: `Use patterns + subcommands to interact with the fraud signatures
				that are embedded in the proof binary. You can define new versions
				as long as you rebuild the binary or point PATTERN_LIBRARY_PATH at
				an external file.`,
	}

	listPatternsCmd = &cobra.Command{
		Use:   "list",
		Short: "List the compiled fraud signatures",
		Run:   listPatterns, // Defined in cmd_patterns.go
	}

	showPatternCmd = &cobra.Command{
		Use:   "show [pattern_id]",
		Short: "Show one fraud signature in full",
		Args:  cobra.ExactArgs(1),
		Run:   showPattern, // Defined in cmd_patterns.go
	}

	verifyPatternsCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity of the compiled pattern library",
		Long:  `Prints the library version and the dual hash of the compiled-in signature definitions. Use this to verify that the binary is running the expected version of the library.`,
		Run:   verifyPatterns, // Defined in cmd_patterns.go
	}

	// --- Recovery ---
	rollbackCmd = &cobra.Command{
		Use:   "rollback [procedure]",
		Short: "Run one audited recovery procedure on a halted pipeline",
		Long: `Procedures: manual_clear, threshold_adjustment, model_rollback,
				full_rollback. Every procedure seals a rollback receipt recording
				who recovered what and why; full_rollback truncates the chain to
				the last verified anchor.`,
		Args: cobra.ExactArgs(1),
		Run:  runRollback, // Defined in cmd_rollback.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to pipeline config YAML (default: PROOF_CONFIG or ~/.aleutianproof/proof.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")

	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "Name of the upstream source system (e.g. checkbook, puco)")
	ingestCmd.MarkFlagRequired("source")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Parse and validate the batch without appending receipts")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence number to verify")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence number to verify (0 = tail)")
	verifyCmd.Flags().BoolVar(&verifyAnchors, "anchors", false, "Also rebuild and check every anchored Merkle root")
	verifyCmd.Flags().Int64Var(&verifyReceipt, "receipt", -1, "Build and check the Merkle inclusion proof for one receipt instead")

	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVar(&queryKind, "kind", "", "Receipt kind filter (e.g. anomaly_receipt, anchor_receipt)")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Lower time bound, RFC3339")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "Upper time bound, RFC3339")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum receipts to print (0 = no limit)")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchInterval, "interval", "30s", "Health poll interval")

	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(listPatternsCmd)
	patternsCmd.AddCommand(showPatternCmd)
	patternsCmd.AddCommand(verifyPatternsCmd)

	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Why this recovery is being run (recorded in the rollback receipt)")
	rollbackCmd.MarkFlagRequired("reason")
	rollbackCmd.Flags().Float64Var(&rollbackThresh, "threshold", 0, "Corrected correlation flag threshold for threshold_adjustment")
	rollbackCmd.Flags().StringVar(&rollbackToVer, "to-version", "", "Pattern library version to restore for model_rollback")
	rollbackCmd.Flags().BoolVar(&rollbackYes, "yes", false, "Skip the confirmation prompt")
}
