// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anchor periodically commits Merkle roots of ledger segments
// as anchor receipts.
//
// An anchor covers the contiguous segment since the previous anchor:
// a binary Merkle tree is built over the segment's payload_hash values
// and the root is appended to the ledger as an anchor_receipt. The
// anchor therefore chains the anchoring event into the same integrity
// structure it protects; the anchor receipt itself is covered by the
// next anchor's segment.
//
// Anchors are cut when either trigger fires first: a batch-size count
// of receipts since the last anchor, or a wall-clock interval. A
// manual trigger exists for the CLI.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// Defaults for the anchor triggers.
const (
	DefaultBatchSize = 1000
	DefaultInterval  = time.Hour
)

// Chain is the slice of the ledger the anchorer needs. *ledger.Ledger
// satisfies it.
type Chain interface {
	Tail() (ledger.TailPointer, error)
	Range(ctx context.Context, lo, hi uint64) ([]receipt.Receipt, error)
	Append(ctx context.Context, d receipt.Draft) (receipt.Receipt, error)
}

// leavesOf extracts the Merkle leaves from a receipt segment.
func leavesOf(rs []receipt.Receipt) []string {
	leaves := make([]string, len(rs))
	for i, r := range rs {
		leaves[i] = r.PayloadHash
	}
	return leaves
}

// Anchorer cuts anchors over the ledger, on demand and on a background
// schedule.
//
// # Thread Safety
//
// Safe for concurrent use. AnchorNow is serialized by an internal
// mutex; Notify is lock-cheap and callable from the append path.
type Anchorer struct {
	chain   Chain
	emitter *receipt.Emitter
	logger  *slog.Logger

	batchSize    int
	interval     time.Duration
	manifestPath string

	mu sync.Mutex
	// nextLo is the first sequence not yet covered by an anchor.
	nextLo uint64
	// lastSeq and lastAt describe the most recent anchor receipt this
	// process cut; valid when hasAnchored.
	lastSeq     uint64
	lastAt      time.Time
	hasAnchored bool

	kick    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	started atomic.Bool
}

// Option configures an Anchorer.
type Option func(*Anchorer)

// WithBatchSize sets the receipt-count trigger. Values < 1 are ignored.
func WithBatchSize(n int) Option {
	return func(a *Anchorer) {
		if n >= 1 {
			a.batchSize = n
		}
	}
}

// WithInterval sets the time trigger. Zero disables the background
// timer (manual and size triggers still work).
func WithInterval(d time.Duration) Option {
	return func(a *Anchorer) { a.interval = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Anchorer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithManifest makes each anchor rewrite the ledger manifest at path,
// giving supervisors and rollback a durable restore point.
func WithManifest(path string) Option {
	return func(a *Anchorer) { a.manifestPath = path }
}

// WithResumeFrom sets the first sequence the next anchor should cover.
// Used at startup after recovering the last anchor from the ledger:
// pass lastAnchor.RangeHi + 1.
func WithResumeFrom(lo uint64) Option {
	return func(a *Anchorer) { a.nextLo = lo }
}

// NewAnchorer builds an Anchorer over a chain and an emitter.
func NewAnchorer(chain Chain, emitter *receipt.Emitter, opts ...Option) (*Anchorer, error) {
	if chain == nil {
		return nil, fmt.Errorf("anchorer chain is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("anchorer emitter is required")
	}

	a := &Anchorer{
		chain:     chain,
		emitter:   emitter,
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Pending returns the unanchored segment [lo, hi] and its length.
// ok is false when nothing is pending.
func (a *Anchorer) Pending() (lo, hi uint64, n int, ok bool) {
	tp, err := a.chain.Tail()
	if err != nil {
		return 0, 0, 0, false
	}

	a.mu.Lock()
	lo = a.nextLo
	a.mu.Unlock()

	if tp.Sequence < lo {
		return 0, 0, 0, false
	}
	return lo, tp.Sequence, int(tp.Sequence - lo + 1), true
}

// LastAnchor reports the most recent anchor this process cut. ok is
// false before the first anchor of the process lifetime.
func (a *Anchorer) LastAnchor() (seq uint64, at time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq, a.lastAt, a.hasAnchored
}

// AnchorNow cuts an anchor over everything since the last one.
//
// # Outputs
//
//   - receipt.Receipt: the appended anchor receipt.
//   - bool: false when the segment was empty and no anchor was cut.
//   - error: emission, append, or read failures. The segment stays
//     pending on error and is retried by the next trigger.
func (a *Anchorer) AnchorNow(ctx context.Context) (receipt.Receipt, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tp, err := a.chain.Tail()
	if errors.Is(err, ledger.ErrEmptyLedger) {
		return receipt.Receipt{}, false, nil
	}
	if err != nil {
		return receipt.Receipt{}, false, fmt.Errorf("read chain tail: %w", err)
	}
	if tp.Sequence < a.nextLo {
		return receipt.Receipt{}, false, nil
	}

	lo, hi := a.nextLo, tp.Sequence
	// An idle ledger leaves only the previous anchor pending; anchoring
	// it alone would chain anchors of anchors forever.
	if a.hasAnchored && lo == a.lastSeq && hi == a.lastSeq {
		return receipt.Receipt{}, false, nil
	}
	segment, err := a.chain.Range(ctx, lo, hi)
	if err != nil {
		return receipt.Receipt{}, false, fmt.Errorf("read segment [%d, %d]: %w", lo, hi, err)
	}

	leaves := leavesOf(segment)
	root := Root(leaves)

	draft, err := a.emitter.Emit(receipt.KindAnchor, receipt.AnchorPayload{
		MerkleRoot: root,
		RangeLo:    lo,
		RangeHi:    hi,
		LeafCount:  len(leaves),
	})
	if err != nil {
		return receipt.Receipt{}, false, fmt.Errorf("emit anchor: %w", err)
	}

	r, err := a.chain.Append(ctx, draft)
	if err != nil {
		return receipt.Receipt{}, false, fmt.Errorf("append anchor: %w", err)
	}
	a.nextLo = hi + 1
	a.lastSeq = r.Sequence
	a.lastAt = r.TS
	a.hasAnchored = true

	if a.manifestPath != "" {
		m := ledger.Manifest{
			TenantID:     r.TenantID,
			TailSequence: r.Sequence,
			TailHash:     r.ChainHash,
			AnchorSeq:    r.Sequence,
			AnchorRoot:   root,
		}
		// The anchor is already durable in the chain; a failed manifest
		// write degrades the restore point, not the anchor.
		if err := ledger.WriteManifest(m, a.manifestPath); err != nil {
			a.logger.Warn("manifest rewrite failed",
				slog.String("path", a.manifestPath),
				slog.String("error", err.Error()))
		}
	}

	a.logger.Info("anchor cut",
		slog.Uint64("range_lo", lo),
		slog.Uint64("range_hi", hi),
		slog.Int("leaves", len(leaves)),
		slog.Uint64("anchor_seq", r.Sequence))
	return r, true, nil
}

// Notify reports the chain tail after an append. When the pending
// segment reaches the batch size, the background loop is kicked.
func (a *Anchorer) Notify(tailSeq uint64) {
	a.mu.Lock()
	lo := a.nextLo
	a.mu.Unlock()

	if tailSeq < lo {
		return
	}
	if int(tailSeq-lo+1) < a.batchSize {
		return
	}
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Start launches the background trigger loop. Call Stop to shut it
// down; Start is idempotent.
func (a *Anchorer) Start() {
	a.once.Do(func() {
		a.started.Store(true)
		go a.run()
	})
}

// Stop halts the background loop and waits for it to exit. Safe to
// call without Start.
func (a *Anchorer) Stop() {
	select {
	case <-a.stopCh:
		return // already stopped
	default:
	}
	close(a.stopCh)
	if a.started.Load() {
		<-a.doneCh
	}
}

func (a *Anchorer) run() {
	defer close(a.doneCh)

	var tick <-chan time.Time
	if a.interval > 0 {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-tick:
			a.fire("interval")
		case <-a.kick:
			a.fire("batch_size")
		}
	}
}

func (a *Anchorer) fire(trigger string) {
	if _, cut, err := a.AnchorNow(context.Background()); err != nil {
		a.logger.Error("anchor trigger failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()))
	} else if cut {
		a.logger.Debug("anchor trigger fired", slog.String("trigger", trigger))
	}
}
