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
	"fmt"

	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// VerifyAnchor recomputes an anchor's Merkle root from current ledger
// contents and compares it to the anchored root.
//
// A false result means the ledger segment no longer reproduces the
// root committed at anchor time — the basis for full rollback. Errors
// are operational (unreadable payload, store failures), not verdicts.
func VerifyAnchor(ctx context.Context, chain Chain, r receipt.Receipt) (bool, error) {
	if r.Kind != receipt.KindAnchor {
		return false, fmt.Errorf("%w: got %q", ErrNotAnchor, r.Kind)
	}
	if len(r.Payload) == 0 {
		return false, fmt.Errorf("%w: seq %d has no payload", ErrAnchorPayload, r.Sequence)
	}

	var p receipt.AnchorPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return false, fmt.Errorf("%w: seq %d: %v", ErrAnchorPayload, r.Sequence, err)
	}

	segment, err := chain.Range(ctx, p.RangeLo, p.RangeHi)
	if err != nil {
		return false, fmt.Errorf("read segment [%d, %d]: %w", p.RangeLo, p.RangeHi, err)
	}
	return Root(leavesOf(segment)) == p.MerkleRoot, nil
}

// VerifyAnchors checks every anchor in order. Returns the sequence of
// the first anchor that fails, with ok=false; receipts that are not
// anchors are rejected rather than skipped.
func VerifyAnchors(ctx context.Context, chain Chain, anchors []receipt.Receipt) (ok bool, badSeq uint64, err error) {
	for _, r := range anchors {
		good, err := VerifyAnchor(ctx, chain, r)
		if err != nil {
			return false, r.Sequence, err
		}
		if !good {
			return false, r.Sequence, nil
		}
	}
	return true, 0, nil
}

// InclusionProof builds the evidence that the receipt at seq is a leaf
// of the given anchor's tree: the receipt's payload_hash, the sibling
// path, and the anchored root. A collaborator holding only the anchor
// receipt can check membership with VerifyProof, without replaying the
// segment.
//
// Returns ErrNotAnchor for a non-anchor receipt and ErrNotCovered when
// seq falls outside the anchor's range.
func InclusionProof(ctx context.Context, chain Chain, anchorReceipt receipt.Receipt, seq uint64) (leaf string, path []ProofElement, root string, err error) {
	if anchorReceipt.Kind != receipt.KindAnchor {
		return "", nil, "", fmt.Errorf("%w: got %q", ErrNotAnchor, anchorReceipt.Kind)
	}
	if len(anchorReceipt.Payload) == 0 {
		return "", nil, "", fmt.Errorf("%w: seq %d has no payload", ErrAnchorPayload, anchorReceipt.Sequence)
	}

	var p receipt.AnchorPayload
	if err := json.Unmarshal(anchorReceipt.Payload, &p); err != nil {
		return "", nil, "", fmt.Errorf("%w: seq %d: %v", ErrAnchorPayload, anchorReceipt.Sequence, err)
	}
	if seq < p.RangeLo || seq > p.RangeHi {
		return "", nil, "", fmt.Errorf("%w: seq %d outside anchored range [%d, %d]",
			ErrNotCovered, seq, p.RangeLo, p.RangeHi)
	}

	segment, err := chain.Range(ctx, p.RangeLo, p.RangeHi)
	if err != nil {
		return "", nil, "", fmt.Errorf("read segment [%d, %d]: %w", p.RangeLo, p.RangeHi, err)
	}

	tree := Build(leavesOf(segment))
	path, err = tree.Proof(int(seq - p.RangeLo))
	if err != nil {
		return "", nil, "", err
	}
	return segment[seq-p.RangeLo].PayloadHash, path, p.MerkleRoot, nil
}
