// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// CorrelateAll sweeps every indexed entity and returns the matches
// worth keeping, ordered by entity key.
//
// # Description
//
// Entities are scored concurrently with at most GOMAXPROCS workers.
// Single-source entities are skipped silently; they cannot correlate
// yet. Flagged matches are always kept. Below-threshold matches are
// kept only when the engine was built with near-miss retention and the
// score falls within the retention margin.
//
// # Outputs
//
//   - []CorrelationMatch: kept matches in entity-key order.
//   - error: only context cancellation.
func (e *Engine) CorrelateAll(ctx context.Context) ([]CorrelationMatch, error) {
	ctx, span := startSweepSpan(ctx)
	defer span.End()
	start := time.Now()

	keys := e.index.keys()
	flagAt := e.Threshold()
	results := make([]CorrelationMatch, len(keys))
	keep := make([]bool, len(keys))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, key := range keys {
		i, key := i, key // Capture loop variables
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			entityStart := time.Now()
			match, err := e.Correlate(key, e.index.snapshot(key))
			if err != nil {
				if errors.Is(err, ErrInsufficientSources) {
					return nil
				}
				// Engine misconfiguration fails the whole sweep.
				return err
			}
			recordCorrelateMetrics(gCtx, time.Since(entityStart), match.Flagged)

			if match.Flagged || (e.nearMiss > 0 && match.Score >= flagAt-e.nearMiss) {
				results[i] = match
				keep[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// keys was sorted, so compaction preserves entity-key order.
	out := make([]CorrelationMatch, 0, len(keys))
	flagged := 0
	for i := range results {
		if keep[i] {
			out = append(out, results[i])
			if results[i].Flagged {
				flagged++
			}
		}
	}

	recordSweepMetrics(ctx, time.Since(start), len(keys), flagged)
	e.logger.Info("correlation sweep complete",
		slog.Int("entities", len(keys)),
		slog.Int("kept", len(out)),
		slog.Int("flagged", flagged))
	return out, nil
}
