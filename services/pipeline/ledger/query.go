// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// Queries are read-only: they never touch the chain. The pipeline
// service records each query as a query_receipt so reads leave an
// audit trail, but that emission happens above this layer.

// QueryResult carries matches plus the scan totals the audit trail
// records.
type QueryResult struct {
	Receipts []receipt.Receipt
	// Total is the number of receipts scanned; Matching is how many
	// passed the filter (equal to len(Receipts) unless a limit applied).
	Total    int
	Matching int
}

// Range returns the receipts in [lo, hi] in sequence order.
func (l *Ledger) Range(ctx context.Context, lo, hi uint64) ([]receipt.Receipt, error) {
	tp, err := l.Tail()
	if err != nil {
		return nil, err
	}
	if lo > hi || hi > tp.Sequence {
		return nil, fmt.Errorf("%w: [%d, %d] with tail %d", ErrInvalidRange, lo, hi, tp.Sequence)
	}

	out := make([]receipt.Receipt, 0, hi-lo+1)
	err = l.store.Scan(ctx, lo, hi, func(r receipt.Receipt) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryByKind returns every receipt of the given kind.
func (l *Ledger) QueryByKind(ctx context.Context, kind receipt.Kind) (QueryResult, error) {
	return l.query(ctx, func(r receipt.Receipt) bool {
		return r.Kind == kind
	})
}

// QueryByTimeRange returns receipts with from <= ts < to.
func (l *Ledger) QueryByTimeRange(ctx context.Context, from, to time.Time) (QueryResult, error) {
	if !to.After(from) {
		return QueryResult{}, fmt.Errorf("%w: empty time window", ErrInvalidRange)
	}
	return l.query(ctx, func(r receipt.Receipt) bool {
		return !r.TS.Before(from) && r.TS.Before(to)
	})
}

func (l *Ledger) query(ctx context.Context, match func(receipt.Receipt) bool) (QueryResult, error) {
	tp, err := l.Tail()
	if errors.Is(err, ErrEmptyLedger) {
		return QueryResult{}, nil
	}
	if err != nil {
		return QueryResult{}, err
	}

	res := QueryResult{}
	err = l.store.Scan(ctx, 0, tp.Sequence, func(r receipt.Receipt) error {
		res.Total++
		if match(r) {
			res.Matching++
			res.Receipts = append(res.Receipts, r)
		}
		return nil
	})
	if err != nil {
		return QueryResult{}, err
	}
	return res, nil
}
