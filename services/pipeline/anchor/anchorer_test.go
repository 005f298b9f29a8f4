// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
	"github.com/AleutianAI/AleutianProof/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

func testChain(t *testing.T) (*ledger.Ledger, *ledger.MemoryStore, *receipt.Emitter) {
	t.Helper()
	store := ledger.NewMemoryStore()
	l, err := ledger.New(store)
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}

	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	n := 0
	dctx := receipt.NewDeploymentContext("ohioproof").WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
	registry := receipt.NewKindRegistry()
	registry.Seal()
	return l, store, receipt.NewEmitter(dctx, registry)
}

func appendIngest(t *testing.T, l *ledger.Ledger, em *receipt.Emitter, count int) []receipt.Receipt {
	t.Helper()
	ctx := context.Background()
	out := make([]receipt.Receipt, 0, count)
	for i := 0; i < count; i++ {
		d, err := em.Emit(receipt.KindIngest, receipt.IngestPayload{
			Source:      "usaspending",
			RecordCount: i,
		})
		if err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
		r, err := l.Append(ctx, d)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestAnchorer_AnchorNow(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	appended := appendIngest(t, l, em, 5)

	a, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}

	r, cut, err := a.AnchorNow(ctx)
	if err != nil {
		t.Fatalf("AnchorNow() error = %v", err)
	}
	if !cut {
		t.Fatal("AnchorNow() cut = false with 5 pending receipts")
	}
	if r.Kind != receipt.KindAnchor || r.Sequence != 5 {
		t.Errorf("anchor receipt = (%s, %d), want (%s, 5)", r.Kind, r.Sequence, receipt.KindAnchor)
	}

	var p receipt.AnchorPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		t.Fatalf("unmarshal anchor payload: %v", err)
	}
	if p.RangeLo != 0 || p.RangeHi != 4 || p.LeafCount != 5 {
		t.Errorf("payload = [%d, %d] leaves %d, want [0, 4] leaves 5", p.RangeLo, p.RangeHi, p.LeafCount)
	}

	// The root reproduces from the segment's payload hashes.
	leaves := make([]string, len(appended))
	for i, ar := range appended {
		leaves[i] = ar.PayloadHash
	}
	if want := Root(leaves); p.MerkleRoot != want {
		t.Errorf("MerkleRoot = %s, want %s", p.MerkleRoot, want)
	}

	ok, err := VerifyAnchor(ctx, l, r)
	if err != nil {
		t.Fatalf("VerifyAnchor() error = %v", err)
	}
	if !ok {
		t.Error("VerifyAnchor() = false for a fresh anchor")
	}

	// The chain, including the anchor receipt, still verifies.
	good, err := l.Verify(ctx, 0, 5)
	if err != nil || !good {
		t.Fatalf("ledger.Verify() = (%v, %v), want (true, nil)", good, err)
	}
}

func TestAnchorer_EmptyLedgerNoAnchor(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	a, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}

	_, cut, err := a.AnchorNow(ctx)
	if err != nil {
		t.Fatalf("AnchorNow() error = %v", err)
	}
	if cut {
		t.Error("AnchorNow() cut an anchor on an empty ledger")
	}
}

func TestAnchorer_IdleDoesNotAnchorItself(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	appendIngest(t, l, em, 3)

	a, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}

	if _, cut, err := a.AnchorNow(ctx); err != nil || !cut {
		t.Fatalf("first AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}

	// Nothing new arrived; the only pending receipt is the anchor we
	// just cut. No second anchor.
	if _, cut, err := a.AnchorNow(ctx); err != nil || cut {
		t.Fatalf("idle AnchorNow() = (cut=%v, err=%v), want (false, nil)", cut, err)
	}

	// New data resumes anchoring, and the segment covers the previous
	// anchor receipt too.
	appendIngest(t, l, em, 2)
	r, cut, err := a.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("AnchorNow() after new data = (cut=%v, err=%v), want (true, nil)", cut, err)
	}
	var p receipt.AnchorPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		t.Fatalf("unmarshal anchor payload: %v", err)
	}
	if p.RangeLo != 3 || p.RangeHi != 5 {
		t.Errorf("second anchor range = [%d, %d], want [3, 5]", p.RangeLo, p.RangeHi)
	}
}

func TestAnchorer_ResumeFrom(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	appendIngest(t, l, em, 4)

	a1, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}
	first, cut, err := a1.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}

	var fp receipt.AnchorPayload
	if err := json.Unmarshal(first.Payload, &fp); err != nil {
		t.Fatalf("unmarshal anchor payload: %v", err)
	}

	// A restarted process resumes from the recovered anchor.
	appendIngest(t, l, em, 2)
	a2, err := NewAnchorer(l, em, WithResumeFrom(fp.RangeHi+1))
	if err != nil {
		t.Fatalf("NewAnchorer(resume) error = %v", err)
	}
	second, cut, err := a2.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("resumed AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}
	var sp receipt.AnchorPayload
	if err := json.Unmarshal(second.Payload, &sp); err != nil {
		t.Fatalf("unmarshal anchor payload: %v", err)
	}
	if sp.RangeLo != fp.RangeHi+1 {
		t.Errorf("resumed RangeLo = %d, want %d", sp.RangeLo, fp.RangeHi+1)
	}

	ok, _, err := VerifyAnchors(ctx, l, []receipt.Receipt{first, second})
	if err != nil || !ok {
		t.Fatalf("VerifyAnchors() = (%v, err=%v), want (true, nil)", ok, err)
	}
}

func TestVerifyAnchor_TamperedLeaf(t *testing.T) {
	ctx := context.Background()
	l, store, em := testChain(t)
	appendIngest(t, l, em, 6)

	a, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}
	r, cut, err := a.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}

	// Rewrite one covered receipt's payload_hash behind the ledger.
	victim, err := store.Get(ctx, 2)
	if err != nil {
		t.Fatalf("Get(2) error = %v", err)
	}
	victim.PayloadHash = hashing.DigestString("forged")
	if err := store.Replace(ctx, victim); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	ok, err := VerifyAnchor(ctx, l, r)
	if err != nil {
		t.Fatalf("VerifyAnchor() error = %v", err)
	}
	if ok {
		t.Error("VerifyAnchor() = true over a tampered leaf, want false")
	}
}

func TestVerifyAnchor_RejectsNonAnchor(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	rs := appendIngest(t, l, em, 1)

	if _, err := VerifyAnchor(ctx, l, rs[0]); err == nil {
		t.Error("VerifyAnchor() on an ingest receipt = nil error, want ErrNotAnchor")
	}
}

func TestInclusionProof_EveryLeafVerifies(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	appended := appendIngest(t, l, em, 7)

	a, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}
	r, cut, err := a.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}

	for _, ar := range appended {
		leaf, path, root, err := InclusionProof(ctx, l, r, ar.Sequence)
		if err != nil {
			t.Fatalf("InclusionProof(%d) error = %v", ar.Sequence, err)
		}
		if leaf != ar.PayloadHash {
			t.Errorf("leaf for %d = %s, want %s", ar.Sequence, leaf, ar.PayloadHash)
		}
		if !VerifyProof(leaf, path, root) {
			t.Errorf("VerifyProof failed for sequence %d", ar.Sequence)
		}
		// A forged leaf must not ride the same path.
		if VerifyProof(hashing.DigestString("forged"), path, root) {
			t.Errorf("VerifyProof accepted a forged leaf for sequence %d", ar.Sequence)
		}
	}
}

func TestInclusionProof_OutsideRange(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	appendIngest(t, l, em, 4)

	a, err := NewAnchorer(l, em)
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}
	r, cut, err := a.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}

	// The anchor receipt itself sits one past its own range.
	if _, _, _, err := InclusionProof(ctx, l, r, r.Sequence); !errors.Is(err, ErrNotCovered) {
		t.Errorf("InclusionProof(anchor seq) error = %v, want ErrNotCovered", err)
	}

	rs := appendIngest(t, l, em, 1)
	if _, _, _, err := InclusionProof(ctx, l, r, rs[0].Sequence); !errors.Is(err, ErrNotCovered) {
		t.Errorf("InclusionProof(post-anchor seq) error = %v, want ErrNotCovered", err)
	}
}

func TestInclusionProof_RejectsNonAnchor(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	rs := appendIngest(t, l, em, 1)

	if _, _, _, err := InclusionProof(ctx, l, rs[0], 0); !errors.Is(err, ErrNotAnchor) {
		t.Errorf("InclusionProof on an ingest receipt error = %v, want ErrNotAnchor", err)
	}
}

func TestAnchorer_BatchSizeTrigger(t *testing.T) {
	l, _, em := testChain(t)

	a, err := NewAnchorer(l, em, WithBatchSize(3), WithInterval(0))
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}
	a.Start()
	defer a.Stop()

	for _, r := range appendIngest(t, l, em, 3) {
		a.Notify(r.Sequence)
	}

	// The background loop should cut an anchor shortly.
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("no anchor receipt appeared within 2s of batch-size trigger")
		case <-tick.C:
		}
		res, err := l.QueryByKind(context.Background(), receipt.KindAnchor)
		if err != nil {
			t.Fatalf("QueryByKind() error = %v", err)
		}
		if res.Matching >= 1 {
			return
		}
	}
}

func TestAnchorer_ManifestRewrite(t *testing.T) {
	ctx := context.Background()
	l, _, em := testChain(t)
	appendIngest(t, l, em, 2)

	path := t.TempDir() + "/MANIFEST.json"
	a, err := NewAnchorer(l, em, WithManifest(path))
	if err != nil {
		t.Fatalf("NewAnchorer() error = %v", err)
	}
	r, cut, err := a.AnchorNow(ctx)
	if err != nil || !cut {
		t.Fatalf("AnchorNow() = (cut=%v, err=%v), want (true, nil)", cut, err)
	}

	m, err := ledger.ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if m.AnchorSeq != r.Sequence || m.TailHash != r.ChainHash {
		t.Errorf("manifest = (anchor %d, tail %s), want (%d, %s)",
			m.AnchorSeq, m.TailHash, r.Sequence, r.ChainHash)
	}
	if m.TenantID != "ohioproof" {
		t.Errorf("manifest tenant = %q, want ohioproof", m.TenantID)
	}
}
