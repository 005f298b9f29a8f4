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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
	"github.com/AleutianAI/AleutianProof/services/pipeline/correlate"
	"github.com/AleutianAI/AleutianProof/services/pipeline/stoprule"
)

// maxRecordLine bounds one JSONL record. Checkbook extracts carry
// whole payment rows, so the default 64K scanner buffer is too small.
const maxRecordLine = 4 * 1024 * 1024

// ingestRecord is the JSONL wire form, one record per line.
type ingestRecord struct {
	SubjectID string         `json:"subject_id"`
	Data      string         `json:"data"`
	Fields    map[string]any `json:"fields,omitempty"`
	EntityKey string         `json:"entity_key,omitempty"`
	Name      string         `json:"name,omitempty"`
	TaxID     string         `json:"tax_id,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	City      string         `json:"city,omitempty"`
	State     string         `json:"state,omitempty"`
	Category  string         `json:"category,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// IngestSummary is the machine-readable result for one ingested file.
type IngestSummary struct {
	File         string `json:"file"`
	BatchID      string `json:"batch_id,omitempty"`
	Records      int    `json:"records"`
	ParseErrors  int    `json:"parse_errors"`
	Appended     int    `json:"receipts_appended"`
	Flagged      int    `json:"records_flagged"`
	PatternHits  int    `json:"pattern_hits"`
	Correlations int    `json:"correlation_flags"`
}

// runIngest is the CLI handler for the "proof ingest" command.
//
// # Description
//
// Reads each JSONL file as one batch from --source and runs it through
// the full pipeline: ingest receipt, entropy scoring, pattern
// matching, and cross-source correlation. Lines that fail to parse are
// counted and reported to the parse-accuracy bound rather than
// silently dropped.
//
// # Exit Codes
//
//   - 0: All batches ingested
//   - 1: Pipeline halted during ingestion
//   - 2: Error
func runIngest(cmd *cobra.Command, args []string) {
	batches := make([]pipeline.Batch, 0, len(args))
	summaries := make([]IngestSummary, 0, len(args))

	for _, file := range args {
		batch, parseErrors, err := readBatchFile(file, ingestSource)
		if err != nil {
			OutputError(jsonOutput, fmt.Sprintf("Could not read %s", file), err)
			os.Exit(CLIExitError)
		}
		batches = append(batches, batch)
		summaries = append(summaries, IngestSummary{
			File:        file,
			Records:     len(batch.Records),
			ParseErrors: parseErrors,
		})
	}

	if ingestDryRun {
		if jsonOutput {
			OutputJSON(summaries, false)
			os.Exit(CLIExitSuccess)
		}
		for _, s := range summaries {
			fmt.Printf("%s: %d records, %d parse errors (dry run, nothing appended)\n",
				s.File, s.Records, s.ParseErrors)
		}
		os.Exit(CLIExitSuccess)
	}

	withPipeline(true, func(ctx context.Context, svc *pipeline.Service) int {
		var totalAppended, totalFlagged int
		for i, batch := range batches {
			result, err := svc.ProcessBatch(ctx, batch)
			if err != nil {
				if errors.Is(err, stoprule.ErrHalted) || errors.Is(err, stoprule.ErrEscalated) {
					OutputError(jsonOutput, "Pipeline halted, remaining batches not ingested", err)
					return CLIExitFindings
				}
				OutputError(jsonOutput, fmt.Sprintf("Ingestion failed for %s", summaries[i].File), err)
				return CLIExitError
			}

			summaries[i].BatchID = result.BatchID
			summaries[i].Appended = result.Appended
			summaries[i].Flagged = result.Flagged
			summaries[i].PatternHits = len(result.PatternHits)
			summaries[i].Correlations = len(result.Correlations)
			totalAppended += result.Appended
			totalFlagged += result.Flagged

			if !jsonOutput {
				fmt.Printf("%s: %d receipts appended, %d flagged, %d pattern hits, %d correlations\n",
					summaries[i].File, result.Appended, result.Flagged,
					len(result.PatternHits), len(result.Correlations))
			}
		}

		if jsonOutput {
			if err := OutputJSON(summaries, false); err != nil {
				log.Printf("Failed to encode JSON: %v", err)
				return CLIExitError
			}
		} else {
			fmt.Printf("Ingested %d file(s): %d receipts, %d flagged records. Pipeline state: %s\n",
				len(batches), totalAppended, totalFlagged, svc.State())
		}
		return CLIExitSuccess
	})
}

// readBatchFile parses one JSONL file into a batch. Unparseable lines
// are counted, not fatal.
func readBatchFile(path, source string) (pipeline.Batch, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.Batch{}, 0, err
	}
	defer f.Close()

	batch := pipeline.Batch{Source: source}
	parseErrors := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var in ingestRecord
		if err := json.Unmarshal(raw, &in); err != nil || in.SubjectID == "" || in.Data == "" {
			parseErrors++
			continue
		}

		rec := pipeline.Record{
			SubjectID: in.SubjectID,
			Data:      []byte(in.Data),
			Fields:    in.Fields,
			EntityKey: in.EntityKey,
		}
		if in.EntityKey != "" {
			ts := time.Time{}
			if in.Timestamp != "" {
				parsed, terr := time.Parse(time.RFC3339, in.Timestamp)
				if terr != nil {
					parseErrors++
					continue
				}
				ts = parsed
			}
			rec.Identity = correlate.SourceRecord{
				Name:       in.Name,
				Identifier: in.TaxID,
				Amount:     in.Amount,
				Timestamp:  ts,
				City:       in.City,
				State:      in.State,
				Category:   in.Category,
			}
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return pipeline.Batch{}, 0, fmt.Errorf("scanning %s at line %d: %w", path, line, err)
	}

	batch.ParseFailures = parseErrors
	return batch, parseErrors, nil
}
