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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProof/services/pipeline/patterns"
)

// PatternsVerifyResult is the JSON output of "proof patterns verify".
type PatternsVerifyResult struct {
	Valid    bool   `json:"valid"`
	Version  string `json:"version"`
	Hash     string `json:"hash"`
	Patterns int    `json:"patterns"`
}

// PatternSummary is one library entry in "proof patterns list".
type PatternSummary struct {
	PatternID   string  `json:"pattern_id"`
	Type        string  `json:"type"`
	RiskWeight  float64 `json:"risk_weight"`
	Indicators  int     `json:"indicators"`
	Description string  `json:"description"`
}

// loadRegistry compiles the signature library without opening the
// ledger; pattern inspection works while the gateway holds the store
// lock.
func loadRegistry() *patterns.Registry {
	reg, err := patterns.GetRegistry(context.Background())
	if err != nil {
		OutputError(jsonOutput, "Pattern library failed to compile", err)
		os.Exit(CLIExitError)
	}
	return reg
}

// verifyPatterns is the CLI handler for the "proof patterns verify"
// command.
//
// # Description
//
// Prints the compiled library's version and the dual hash of its
// source YAML. Operators compare the hash against the model_version
// recorded in pattern-match receipts to confirm which library flagged
// a record, and against release notes before a model_rollback.
//
// # Exit Codes
//
//   - 0: Library compiled and verified
//   - 2: Library failed to compile
func verifyPatterns(cmd *cobra.Command, args []string) {
	reg := loadRegistry()

	if jsonOutput {
		result := PatternsVerifyResult{
			Valid:    true,
			Version:  reg.Version(),
			Hash:     reg.Hash(),
			Patterns: reg.Len(),
		}
		if err := OutputJSON(result, false); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			os.Exit(CLIExitError)
		}
		os.Exit(CLIExitSuccess)
	}

	fmt.Println("--- Pattern Library Verification ---")
	fmt.Printf("Version:     %s\n", reg.Version())
	fmt.Printf("Signatures:  %d\n", reg.Len())
	fmt.Printf("Fingerprint: %s\n", reg.Hash())
	fmt.Println("------------------------------------")
}

// listPatterns prints every compiled signature.
func listPatterns(cmd *cobra.Command, args []string) {
	reg := loadRegistry()

	if jsonOutput {
		out := make([]PatternSummary, 0, reg.Len())
		for _, p := range reg.All() {
			out = append(out, PatternSummary{
				PatternID:   p.PatternID,
				Type:        p.Type,
				RiskWeight:  p.RiskWeight,
				Indicators:  p.Indicators(),
				Description: p.Description,
			})
		}
		if err := OutputJSON(out, false); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			os.Exit(CLIExitError)
		}
		return
	}

	fmt.Printf("Pattern library %s (%d signatures)\n", reg.Version(), reg.Len())
	for _, p := range reg.All() {
		fmt.Printf("  %-28s %-22s weight=%.2f indicators=%d\n",
			p.PatternID, p.Type, p.RiskWeight, p.Indicators())
	}
}

// showPattern prints one signature in full, including its verified
// calibration case when present.
func showPattern(cmd *cobra.Command, args []string) {
	reg := loadRegistry()

	p, err := reg.Load(args[0])
	if err != nil {
		OutputError(jsonOutput, "Unknown pattern", err)
		os.Exit(CLIExitError)
	}

	if jsonOutput {
		out := struct {
			PatternSummary
			Verified *patterns.VerifiedCase `json:"verified_case,omitempty"`
		}{
			PatternSummary: PatternSummary{
				PatternID:   p.PatternID,
				Type:        p.Type,
				RiskWeight:  p.RiskWeight,
				Indicators:  p.Indicators(),
				Description: p.Description,
			},
			Verified: p.Verified,
		}
		if err := OutputJSON(out, false); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			os.Exit(CLIExitError)
		}
		return
	}

	fmt.Printf("Pattern:     %s\n", p.PatternID)
	fmt.Printf("Type:        %s\n", p.Type)
	fmt.Printf("Risk weight: %.2f\n", p.RiskWeight)
	fmt.Printf("Indicators:  %d\n", p.Indicators())
	fmt.Printf("Description: %s\n", p.Description)
	if p.Verified != nil {
		fmt.Printf("Calibrated against: %s ($%.2f, %s)\n",
			p.Verified.Name, p.Verified.Amount, p.Verified.Outcome)
	}
}
