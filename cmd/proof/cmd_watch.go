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
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
	"github.com/AleutianAI/AleutianProof/services/pipeline/ledger"
)

// runWatch is the CLI handler for the "proof watch" command.
//
// # Description
//
// Supervises a running ledger: polls the health snapshot on an
// interval, keeps the anchor schedule alive, and watches
// MANIFEST.anchor for out-of-band modification. The manifest is only
// ever written through the pipeline's atomic rename; any write that
// leaves it unreadable or checksum-broken is treated as tampering.
//
// # Exit Codes
//
//   - 0: Stopped by the operator
//   - 1: Pipeline halted/escalated, or the manifest was tampered with
//   - 2: Error
func runWatch(cmd *cobra.Command, args []string) {
	interval, err := time.ParseDuration(watchInterval)
	if err != nil || interval <= 0 {
		OutputError(jsonOutput, "Invalid --interval", err)
		os.Exit(CLIExitError)
	}

	withPipeline(true, func(ctx context.Context, svc *pipeline.Service) int {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			OutputError(jsonOutput, "Could not create file watcher", err)
			return CLIExitError
		}
		defer watcher.Close()

		// Watch the directory, not the file: the manifest is replaced
		// by rename, which re-creates it under a new inode.
		if err := watcher.Add(cfg.DataDir); err != nil {
			OutputError(jsonOutput, "Could not watch data dir", err)
			return CLIExitError
		}
		manifestName := filepath.Base(cfg.ManifestPath())

		if code, done := watchTick(ctx, svc); done {
			return code
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				fmt.Println("Watch stopped.")
				return CLIExitSuccess

			case <-ticker.C:
				if code, done := watchTick(ctx, svc); done {
					return code
				}

			case event, ok := <-watcher.Events:
				if !ok {
					return CLIExitSuccess
				}
				if filepath.Base(event.Name) != manifestName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if code, done := checkManifest(); done {
					return code
				}

			case werr, ok := <-watcher.Errors:
				if !ok {
					return CLIExitSuccess
				}
				fmt.Fprintf(os.Stderr, "File watcher error: %v\n", werr)
			}
		}
	})
}

// watchTick prints one health line. done is true when the supervisor
// should exit.
func watchTick(ctx context.Context, svc *pipeline.Service) (int, bool) {
	snap := svc.Health(ctx)

	if jsonOutput {
		OutputJSON(snap, true)
	} else {
		fmt.Printf("[%s] state=%s receipts=%d anchor_lag=%d fresh=%t healthy=%t\n",
			snap.CheckedAt.Format(time.RFC3339), snap.State, snap.Receipts,
			snap.AnchorLag, snap.AnchorFresh, snap.Healthy)
	}

	if !snap.Operational() {
		fmt.Fprintf(os.Stderr, "Pipeline is %s; supervisor exiting.\n", snap.State)
		return CLIExitFindings, true
	}
	return CLIExitSuccess, false
}

// checkManifest re-reads the manifest after a filesystem event. A
// corrupt or unreadable manifest ends the watch with a finding.
func checkManifest() (int, bool) {
	m, err := ledger.ReadManifest(cfg.ManifestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed out from under us; rename replacement in flight
			// looks the same, so give it a moment.
			time.Sleep(100 * time.Millisecond)
			if m2, err2 := ledger.ReadManifest(cfg.ManifestPath()); err2 == nil {
				reportManifest(m2)
				return CLIExitSuccess, false
			}
			fmt.Fprintln(os.Stderr, "MANIFEST.anchor was removed; treating as tampering.")
			return CLIExitFindings, true
		}
		fmt.Fprintf(os.Stderr, "MANIFEST.anchor failed verification: %v\n", err)
		return CLIExitFindings, true
	}

	reportManifest(m)
	return CLIExitSuccess, false
}

func reportManifest(m ledger.Manifest) {
	if jsonOutput {
		OutputJSON(m, true)
		return
	}
	fmt.Printf("[%s] manifest updated: anchor_seq=%d tail_seq=%d\n",
		m.UpdatedAt.Format(time.RFC3339), m.AnchorSeq, m.TailSequence)
}
