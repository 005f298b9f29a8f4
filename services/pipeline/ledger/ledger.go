// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger maintains the append-only, hash-chained receipt log.
//
// Every receipt is bound to its predecessor:
//
//	chain_hash[i] = H(chain_hash[i-1] || canonical(receipt[i]))
//	chain_hash[0] = H("GENESIS"      || canonical(receipt[0]))
//
// where H is the pipeline's dual digest and canonical() is the
// receipt's envelope serialization. Sequence numbers start at zero and
// are gap-free; any gap or hash mismatch found during verification is
// a fatal integrity violation.
//
// The ledger never interprets payloads. It validates drafts
// structurally, seals them into the chain, and verifies the chain on
// demand. Storage is injected through the Store interface.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// genesisSeed is the fixed predecessor of the first receipt.
const genesisSeed = "GENESIS"

// =============================================================================
// Gate
// =============================================================================

// Gate is consulted before every append. The stoprule policy implements
// Gate; when the pipeline is halted, AllowAppend returns an error and
// the ledger admits nothing new.
//
// Implementations must be safe for concurrent use and fast: the check
// runs under the append lock.
type Gate interface {
	// AllowAppend returns nil if the ledger may accept a new receipt,
	// or an error describing why appends are refused.
	AllowAppend() error
}

// openGate admits everything. Used when no policy is wired.
type openGate struct{}

func (openGate) AllowAppend() error { return nil }

// =============================================================================
// Ledger
// =============================================================================

// Ledger seals receipt drafts into the hash chain.
//
// # Thread Safety
//
// Safe for concurrent use. Appends are serialized by an internal mutex
// so chain hashes are computed against a stable tail; reads take a
// shared lock against the cached tail and read the store directly.
type Ledger struct {
	store  Store
	gate   Gate
	logger *slog.Logger

	mu   sync.RWMutex
	tail TailPointer
	// empty is true until the first append (sequence zero is a valid
	// tail, so a flag is needed rather than a sentinel value).
	empty bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGate installs an append gate. Without one the ledger admits
// every valid draft.
func WithGate(g Gate) Option {
	return func(l *Ledger) {
		if g != nil {
			l.gate = g
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Ledger over the given store and recovers the chain
// tail from it, so a restarted process continues the chain instead of
// forking it.
//
// # Inputs
//
//   - store: the receipt store. Must not be nil.
//   - opts: functional options (gate, logger).
//
// # Outputs
//
//   - *Ledger: the ready ledger.
//   - error: non-nil if the store is nil or the tail cannot be read.
func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}

	l := &Ledger{
		store:  store,
		gate:   openGate{},
		logger: slog.Default(),
		empty:  true,
	}
	for _, opt := range opts {
		opt(l)
	}

	tp, ok, err := store.Tail(context.Background())
	if err != nil {
		return nil, fmt.Errorf("recover ledger tail: %w", err)
	}
	if ok {
		l.tail = tp
		l.empty = false
		l.logger.Info("ledger tail recovered",
			slog.Uint64("sequence", tp.Sequence))
	}
	return l, nil
}

// chainHash computes H(prev || canonical) with the pipeline's dual
// digest.
func chainHash(prev string, canonical []byte) string {
	buf := make([]byte, 0, len(prev)+len(canonical))
	buf = append(buf, prev...)
	buf = append(buf, canonical...)
	return hashing.Digest(buf)
}

// validateDraft checks the structural fields the chain depends on.
// Payload semantics were already validated by the emitter.
func validateDraft(d receipt.Draft) error {
	if d.Kind == "" {
		return fmt.Errorf("%w: empty receipt_type", ErrInvalidDraft)
	}
	if d.TenantID == "" {
		return fmt.Errorf("%w: empty tenant_id", ErrInvalidDraft)
	}
	if d.TS.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidDraft)
	}
	if !hashing.Valid(d.PayloadHash) {
		return fmt.Errorf("%w: malformed payload_hash %q", ErrInvalidDraft, truncateForLog(d.PayloadHash))
	}
	return nil
}

// truncateForLog shortens attacker-controlled strings before they
// reach logs or error text.
func truncateForLog(s string) string {
	const max = 48
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Append seals a draft into the chain and persists it.
//
// # Description
//
// Assigns the next sequence number, computes
// chain_hash = H(prev || canonical(draft)), writes the receipt and the
// new tail pointer atomically, and returns the sealed receipt. The
// gate is consulted first: a halted pipeline refuses appends with
// ErrAppendsHalted.
//
// # Inputs
//
//   - ctx: cancellation context.
//   - d: an emitter-produced draft.
//
// # Outputs
//
//   - receipt.Receipt: the sealed receipt with sequence and chain hash.
//   - error: ErrAppendsHalted, ErrInvalidDraft, or a store error. On
//     error the chain is unchanged.
func (l *Ledger) Append(ctx context.Context, d receipt.Draft) (receipt.Receipt, error) {
	ctx, span := startAppendSpan(ctx, string(d.Kind))
	defer span.End()
	start := time.Now()

	r, err := l.append(ctx, d)
	recordAppendMetrics(ctx, time.Since(start), string(d.Kind), err == nil)
	if err != nil {
		span.RecordError(err)
		return receipt.Receipt{}, err
	}
	return r, nil
}

func (l *Ledger) append(ctx context.Context, d receipt.Draft) (receipt.Receipt, error) {
	if err := validateDraft(d); err != nil {
		return receipt.Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Gate check runs under the lock so a halt decision and the appends
	// it refuses are totally ordered.
	if err := l.gate.AllowAppend(); err != nil {
		return receipt.Receipt{}, fmt.Errorf("%w: %v", ErrAppendsHalted, err)
	}

	var seq uint64
	prev := genesisSeed
	if !l.empty {
		seq = l.tail.Sequence + 1
		prev = l.tail.ChainHash
	}

	r := receipt.Receipt{
		Kind:        d.Kind,
		TS:          d.TS,
		MonoNS:      d.MonoNS,
		TenantID:    d.TenantID,
		PayloadHash: d.PayloadHash,
		Sequence:    seq,
		ChainHash:   chainHash(prev, d.CanonicalEnvelope(seq)),
		Payload:     d.Payload,
	}

	if err := l.store.Append(ctx, r); err != nil {
		return receipt.Receipt{}, fmt.Errorf("persist receipt %d: %w", seq, err)
	}

	l.tail = TailPointer{Sequence: seq, ChainHash: r.ChainHash}
	l.empty = false

	l.logger.Debug("receipt appended",
		slog.String("receipt_type", string(d.Kind)),
		slog.Uint64("sequence", seq))
	return r, nil
}

// Tail returns the sequence and chain hash of the newest receipt.
// Returns ErrEmptyLedger if nothing has been appended.
func (l *Ledger) Tail() (TailPointer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.empty {
		return TailPointer{}, ErrEmptyLedger
	}
	return l.tail, nil
}

// Len returns the number of receipts in the ledger.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.empty {
		return 0
	}
	return l.tail.Sequence + 1
}

// Get returns the receipt at a sequence number.
func (l *Ledger) Get(ctx context.Context, seq uint64) (receipt.Receipt, error) {
	return l.store.Get(ctx, seq)
}

// Verify recomputes payload and chain hashes over [lo, hi].
//
// # Description
//
// Walks the range in sequence order checking three things per receipt:
// the stored payload still hashes to payload_hash, the sequence is
// exactly predecessor+1, and the stored chain_hash equals
// H(prev || canonical(receipt)). The first failure is logged and the
// sweep reports false.
//
// # Inputs
//
//   - ctx: cancellation context.
//   - lo, hi: inclusive sequence bounds; lo <= hi <= tail.
//
// # Outputs
//
//   - bool: true only if every receipt in the range checks out.
//   - error: operational failures only (bad range, store errors). A
//     tampered chain is (false, nil), not an error.
func (l *Ledger) Verify(ctx context.Context, lo, hi uint64) (bool, error) {
	ctx, span := startVerifySpan(ctx, lo, hi)
	defer span.End()
	start := time.Now()

	ok, err := l.verify(ctx, lo, hi)
	recordVerifyMetrics(ctx, time.Since(start), ok && err == nil)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return ok, nil
}

func (l *Ledger) verify(ctx context.Context, lo, hi uint64) (bool, error) {
	tp, err := l.Tail()
	if err != nil {
		return false, err
	}
	if lo > hi || hi > tp.Sequence {
		return false, fmt.Errorf("%w: [%d, %d] with tail %d", ErrInvalidRange, lo, hi, tp.Sequence)
	}

	prev := genesisSeed
	if lo > 0 {
		before, err := l.store.Get(ctx, lo-1)
		if err != nil {
			return false, fmt.Errorf("load predecessor %d: %w", lo-1, err)
		}
		prev = before.ChainHash
	}

	expect := lo
	ok := true
	err = l.store.Scan(ctx, lo, hi, func(r receipt.Receipt) error {
		if r.Sequence != expect {
			l.logger.Warn("chain gap detected",
				slog.Uint64("expected", expect),
				slog.Uint64("found", r.Sequence))
			ok = false
			return errVerifyStop
		}
		if !r.VerifyPayload() {
			l.logger.Warn("payload hash mismatch",
				slog.Uint64("sequence", r.Sequence),
				slog.String("receipt_type", string(r.Kind)))
			ok = false
			return errVerifyStop
		}
		if chainHash(prev, r.CanonicalEnvelope()) != r.ChainHash {
			l.logger.Warn("chain hash mismatch",
				slog.Uint64("sequence", r.Sequence),
				slog.String("receipt_type", string(r.Kind)))
			ok = false
			return errVerifyStop
		}
		prev = r.ChainHash
		expect++
		return nil
	})
	if err != nil && !errors.Is(err, errVerifyStop) {
		return false, err
	}
	return ok, nil
}

// errVerifyStop aborts a verification scan early once a violation is
// found. Never returned to callers.
var errVerifyStop = errors.New("verify: stop")

// VerifyAll verifies the entire chain. An empty ledger is trivially
// intact.
func (l *Ledger) VerifyAll(ctx context.Context) (bool, error) {
	tp, err := l.Tail()
	if errors.Is(err, ErrEmptyLedger) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return l.Verify(ctx, 0, tp.Sequence)
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback discards every receipt after restoreSeq and rewinds the
// chain tail to it. This is the only operation that removes receipts;
// it exists for audited full-rollback recovery and must itself be
// recorded by the caller as a rollback receipt after the chain is
// rewound.
//
// Returns the number of receipts discarded.
func (l *Ledger) Rollback(ctx context.Context, restoreSeq uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.empty {
		return 0, ErrEmptyLedger
	}
	if restoreSeq > l.tail.Sequence {
		return 0, fmt.Errorf("%w: restore %d beyond tail %d", ErrInvalidRange, restoreSeq, l.tail.Sequence)
	}

	removed, err := l.store.TruncateAfter(ctx, restoreSeq)
	if err != nil {
		return removed, fmt.Errorf("truncate after %d: %w", restoreSeq, err)
	}

	restored, err := l.store.Get(ctx, restoreSeq)
	if err != nil {
		return removed, fmt.Errorf("load restored tail %d: %w", restoreSeq, err)
	}
	l.tail = TailPointer{Sequence: restored.Sequence, ChainHash: restored.ChainHash}

	recordRollback(ctx, "full_rollback")
	l.logger.Warn("ledger rolled back",
		slog.Uint64("restore_seq", restoreSeq),
		slog.Uint64("discarded", removed))
	return removed, nil
}

// =============================================================================
// Compaction
// =============================================================================

// PreservedKinds are never pruned by compaction: anomaly evidence,
// anchors, and prior compaction records keep their payload bodies
// forever.
var PreservedKinds = map[receipt.Kind]bool{
	receipt.KindAnomaly:    true,
	receipt.KindAnchor:     true,
	receipt.KindCompaction: true,
}

// CompactionSummary reports what a compaction pass did.
type CompactionSummary struct {
	// Compacted counts receipts whose payload bodies were pruned.
	Compacted uint64
	// Preserved counts receipts in range that kept their payloads.
	Preserved uint64
	// CountsByKind tallies pruned receipts per kind.
	CountsByKind map[receipt.Kind]int
	// RangeLo and RangeHi bound the sequences examined.
	RangeLo, RangeHi uint64
}

// Compact prunes payload bodies from receipts older than cutoff.
//
// # Description
//
// Pruning drops the payload body only: the envelope, payload_hash,
// sequence, and chain_hash are untouched, so chain verification and
// anchor reproduction still pass over compacted history. Kinds listed
// in preserve (defaulting to PreservedKinds) are exempt, as are
// receipts at or after the cutoff and those already pruned.
//
// # Inputs
//
//   - ctx: cancellation context.
//   - cutoff: receipts with ts before this instant are candidates.
//   - preserve: kinds exempt from pruning; nil means PreservedKinds.
//
// # Outputs
//
//   - CompactionSummary: counts of pruned and preserved receipts.
//   - error: store failures; pruning already applied stays applied.
func (l *Ledger) Compact(ctx context.Context, cutoff time.Time, preserve map[receipt.Kind]bool) (CompactionSummary, error) {
	if preserve == nil {
		preserve = PreservedKinds
	}

	tp, err := l.Tail()
	if errors.Is(err, ErrEmptyLedger) {
		return CompactionSummary{CountsByKind: map[receipt.Kind]int{}}, nil
	}
	if err != nil {
		return CompactionSummary{}, err
	}

	summary := CompactionSummary{
		CountsByKind: map[receipt.Kind]int{},
		RangeHi:      tp.Sequence,
	}

	var prune []receipt.Receipt
	err = l.store.Scan(ctx, 0, tp.Sequence, func(r receipt.Receipt) error {
		if !r.TS.Before(cutoff) {
			return nil
		}
		if preserve[r.Kind] || r.Pruned || len(r.Payload) == 0 {
			summary.Preserved++
			return nil
		}
		prune = append(prune, r)
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("scan for compaction: %w", err)
	}

	for _, r := range prune {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		r.Payload = nil
		r.Pruned = true
		if err := l.store.Replace(ctx, r); err != nil {
			return summary, fmt.Errorf("prune receipt %d: %w", r.Sequence, err)
		}
		summary.Compacted++
		summary.CountsByKind[r.Kind]++
	}

	l.logger.Info("ledger compacted",
		slog.Uint64("pruned", summary.Compacted),
		slog.Uint64("preserved", summary.Preserved),
		slog.Time("cutoff", cutoff))
	return summary, nil
}
