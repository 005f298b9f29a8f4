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
	"bytes"
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Record is one unit of batch scoring input.
type Record struct {
	SubjectID string
	Data      []byte
}

// ScoreBatch scores records with bounded concurrency.
//
// # Description
//
// Runs Score over the batch with at most GOMAXPROCS workers.
// Per-record failures are isolated: the record is skipped and logged,
// never aborting the batch. Output order matches input order with
// skipped records removed, so results are deterministic for identical
// inputs.
//
// # Outputs
//
//   - []AnomalyScore: scores for the records that succeeded.
//   - error: only context cancellation.
func (s *Scorer) ScoreBatch(ctx context.Context, records []Record) ([]AnomalyScore, error) {
	start := time.Now()

	scores := make([]AnomalyScore, len(records))
	ok := make([]bool, len(records))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, rec := range records {
		i, rec := i, rec // Capture loop variables
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			score, err := s.Score(gCtx, rec.SubjectID, rec.Data)
			if err != nil {
				// Skip-and-log: one bad record never aborts the batch.
				s.logger.Warn("record skipped in batch scoring",
					slog.String("subject_id", rec.SubjectID),
					slog.String("error", err.Error()))
				return nil
			}
			scores[i] = score
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]AnomalyScore, 0, len(records))
	skipped := 0
	for i := range scores {
		if ok[i] {
			out = append(out, scores[i])
		} else {
			skipped++
		}
	}

	recordBatchMetrics(ctx, time.Since(start), len(out), skipped)
	return out, nil
}

// WindowScore is the measurement of one sliding window.
type WindowScore struct {
	StartIndex     int
	Count          int
	Ratio          float64
	Classification Classification
	Escalated      bool
}

// WindowReport summarizes a windowed sweep over a record stream.
type WindowReport struct {
	TotalRecords      int
	WindowSize        int
	Windows           []WindowScore
	SuspiciousWindows int
}

// DefaultWindowSize for windowed compression analysis.
const DefaultWindowSize = 100

// ScoreWindows measures compression over consecutive windows of
// records, catching localized noise a whole-batch ratio would average
// away. Records in a window are joined by newlines before compression.
func (s *Scorer) ScoreWindows(ctx context.Context, records [][]byte, windowSize int) (WindowReport, error) {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}

	report := WindowReport{
		TotalRecords: len(records),
		WindowSize:   windowSize,
	}

	for start := 0; start < len(records); start += windowSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		end := start + windowSize
		if end > len(records) {
			end = len(records)
		}
		window := bytes.Join(records[start:end], []byte("\n"))

		ratio, err := s.comp.Ratio(window)
		if err != nil {
			s.logger.Warn("window skipped",
				slog.Int("start_index", start),
				slog.String("error", err.Error()))
			continue
		}

		cls, escalated := s.Classify(ratio)
		ws := WindowScore{
			StartIndex:     start,
			Count:          end - start,
			Ratio:          ratio,
			Classification: cls,
			Escalated:      escalated,
		}
		report.Windows = append(report.Windows, ws)
		if cls != ClassLegitimate {
			report.SuspiciousWindows++
		}
	}
	return report, nil
}
