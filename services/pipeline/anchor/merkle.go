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
	"fmt"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
)

// The Merkle layer is pure string math over dual-digest leaves. Leaves
// are payload_hash values verbatim; a parent is the dual digest of its
// two children's hash strings concatenated. An odd node at any level is
// paired with itself — the duplicate policy applies identically at
// every level, so a root is reproducible from the leaf list alone.

// emptyRoot anchors an empty segment. Fixed for the system lifetime.
var emptyRoot = hashing.Digest([]byte("empty"))

// EmptyRoot returns the root of an empty leaf set.
func EmptyRoot() string { return emptyRoot }

// combine hashes a left and right child into their parent.
func combine(left, right string) string {
	return hashing.DigestString(left + right)
}

// Root computes the Merkle root over the given leaves without
// materializing the tree. Equivalent to Build(leaves).Root().
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return emptyRoot
	}

	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Tree is a fully materialized Merkle tree, kept when inclusion proofs
// are needed. Levels are stored post-padding, so every non-root level
// has even length.
type Tree struct {
	levels    [][]string
	leafCount int
}

// Build constructs the tree over the given leaves.
func Build(leaves []string) *Tree {
	t := &Tree{leafCount: len(leaves)}
	if len(leaves) == 0 {
		return t
	}

	level := append([]string(nil), leaves...)
	for {
		if len(level) > 1 && len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		t.levels = append(t.levels, level)
		if len(level) == 1 {
			return t
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}
}

// Root returns the tree's root hash.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return emptyRoot
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of original (unpadded) leaves.
func (t *Tree) LeafCount() int { return t.leafCount }

// ProofElement is one step of an inclusion proof: the sibling hash and
// which side of the current node it sits on.
type ProofElement struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // "left" or "right"
}

// Proof returns the inclusion proof for the leaf at index. A
// self-paired node proves against its own duplicate, so proofs verify
// for every index including the last leaf of an odd level.
func (t *Tree) Proof(index int) ([]ProofElement, error) {
	if index < 0 || index >= t.leafCount {
		return nil, fmt.Errorf("%w: index %d with %d leaves", ErrProofIndex, index, t.leafCount)
	}

	proof := make([]ProofElement, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		if index%2 == 0 {
			proof = append(proof, ProofElement{Hash: level[index+1], Position: "right"})
		} else {
			proof = append(proof, ProofElement{Hash: level[index-1], Position: "left"})
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof folds a leaf up through an inclusion proof and compares
// against the expected root.
func VerifyProof(leaf string, proof []ProofElement, expectedRoot string) bool {
	current := leaf
	for _, el := range proof {
		if el.Position == "left" {
			current = combine(el.Hash, current)
		} else {
			current = combine(current, el.Hash)
		}
	}
	return current == expectedRoot
}
