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
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// TailPointer is the ledger's current write position: the sequence
// number and chain hash of the most recently appended receipt.
type TailPointer struct {
	Sequence  uint64 `json:"sequence"`
	ChainHash string `json:"chain_hash"`
}

// Store is the injected persistence capability behind the ledger.
//
// The ledger core does not depend on any particular storage engine;
// BadgerStore is the production implementation, MemoryStore serves
// tests. Implementations must make Append atomic: the receipt entry
// and the tail pointer become visible together or not at all.
type Store interface {
	// Append persists the receipt and advances the tail in one atomic
	// commit. The receipt's sequence must be exactly tail+1 (or 0 for
	// an empty store); implementations may trust the ledger to
	// guarantee this.
	Append(ctx context.Context, r receipt.Receipt) error

	// Get returns the receipt at seq, or ErrNotFound.
	Get(ctx context.Context, seq uint64) (receipt.Receipt, error)

	// Scan calls fn for each receipt in [lo, hi] in sequence order.
	// Returning an error from fn stops the scan.
	Scan(ctx context.Context, lo, hi uint64, fn func(receipt.Receipt) error) error

	// Tail returns the current tail pointer. ok is false for an empty
	// store.
	Tail(ctx context.Context) (tp TailPointer, ok bool, err error)

	// Replace overwrites the entry at r.Sequence without moving the
	// tail. Used only by compaction to prune payload bodies; the
	// envelope fields must be unchanged.
	Replace(ctx context.Context, r receipt.Receipt) error

	// TruncateAfter removes all receipts with sequence > seq and
	// resets the tail to seq. The receipt at seq must exist. Returns
	// the number of receipts removed.
	TruncateAfter(ctx context.Context, seq uint64) (removed uint64, err error)

	// Close releases the store's resources.
	Close() error
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps the ledger in a slice. Test and tooling use only;
// contents are lost on Close.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []receipt.Receipt
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, r receipt.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.receipts)); r.Sequence != want {
		return fmt.Errorf("%w: append sequence %d, want %d", ErrInvalidRange, r.Sequence, want)
	}
	s.receipts = append(s.receipts, r)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, seq uint64) (receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return receipt.Receipt{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq >= uint64(len(s.receipts)) {
		return receipt.Receipt{}, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	return s.receipts[seq], nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(ctx context.Context, lo, hi uint64, fn func(receipt.Receipt) error) error {
	s.mu.RLock()
	// Copy the window so fn runs without holding the lock.
	if hi >= uint64(len(s.receipts)) {
		s.mu.RUnlock()
		return fmt.Errorf("%w: hi %d beyond tail", ErrInvalidRange, hi)
	}
	window := make([]receipt.Receipt, hi-lo+1)
	copy(window, s.receipts[lo:hi+1])
	s.mu.RUnlock()

	for _, r := range window {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(ctx context.Context) (TailPointer, bool, error) {
	if err := ctx.Err(); err != nil {
		return TailPointer{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.receipts) == 0 {
		return TailPointer{}, false, nil
	}
	last := s.receipts[len(s.receipts)-1]
	return TailPointer{Sequence: last.Sequence, ChainHash: last.ChainHash}, true, nil
}

// Replace implements Store.
func (s *MemoryStore) Replace(ctx context.Context, r receipt.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Sequence >= uint64(len(s.receipts)) {
		return fmt.Errorf("%w: seq %d", ErrNotFound, r.Sequence)
	}
	s.receipts[r.Sequence] = r
	return nil
}

// TruncateAfter implements Store.
func (s *MemoryStore) TruncateAfter(ctx context.Context, seq uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq >= uint64(len(s.receipts)) {
		return 0, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	removed := uint64(len(s.receipts)) - seq - 1
	s.receipts = s.receipts[:seq+1]
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored receipts. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts)
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
