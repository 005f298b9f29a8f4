// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashing computes the dual-algorithm content digest used for
// every integrity check in the pipeline: payload hashes, chain hashes,
// and Merkle tree nodes.
//
// A dual digest is two hex digests joined by a colon:
//
//	<sha256-hex>:<blake3-hex>
//
// SHA-256 and BLAKE3-256 are computed independently over the same
// payload. The algorithm order is fixed for the lifetime of the system;
// ledger verification depends on byte-exact reproducibility, so neither
// the order nor the algorithms may change without a model rollback.
//
// Both digests must agree with a recomputation for a payload to verify.
// An attacker would need a simultaneous collision in two structurally
// unrelated hash families to forge a receipt.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm labels, in digest order.
const (
	AlgPrimary   = "sha256"
	AlgSecondary = "blake3"
)

// digestPattern is the concrete shape of a dual digest: two 64-char
// lowercase hex strings joined by a colon.
var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}:[0-9a-f]{64}$`)

// Digest returns the dual digest of payload.
//
// # Description
//
// Computes SHA-256 and BLAKE3-256 independently over the same bytes and
// joins the lowercase hex digests with ":". Deterministic: identical
// payloads always produce identical digests. A nil or empty payload
// hashes to the fixed digest of the empty string — empty input is never
// an error.
//
// # Inputs
//
//   - payload: raw bytes to digest (nil treated as empty)
//
// # Outputs
//
//   - string: "<sha256-hex>:<blake3-hex>"
//
// # Thread Safety
//
// Safe for concurrent use; no shared state.
func Digest(payload []byte) string {
	s := sha256.Sum256(payload)
	b := blake3.Sum256(payload)
	return hex.EncodeToString(s[:]) + ":" + hex.EncodeToString(b[:])
}

// DigestString returns the dual digest of a string payload.
func DigestString(payload string) string {
	return Digest([]byte(payload))
}

// DigestReader computes the dual digest of a stream.
//
// Both hash states consume the stream in one pass via a MultiWriter, so
// the input is read exactly once. Returns ErrHashComputation (wrapped)
// if the stream cannot be read.
func DigestReader(r io.Reader) (string, error) {
	s := sha256.New()
	b := blake3.New(32, nil)
	if _, err := io.Copy(io.MultiWriter(s, b), r); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHashComputation, err)
	}
	return hex.EncodeToString(s.Sum(nil)) + ":" + hex.EncodeToString(b.Sum(nil)), nil
}

// Verify reports whether digest is the dual digest of payload.
//
// Recomputes both halves; a single matching half is not sufficient.
func Verify(payload []byte, digest string) bool {
	return Digest(payload) == digest
}

// Valid reports whether s has the dual-digest shape. It does not check
// the digest against any payload.
func Valid(s string) bool {
	return digestPattern.MatchString(s)
}

// Split separates a dual digest into its SHA-256 and BLAKE3 halves.
//
// Returns ErrMalformedDigest if s does not have the dual-digest shape.
func Split(s string) (sha string, blake string, err error) {
	if !Valid(s) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedDigest, truncate(s, 80))
	}
	parts := strings.SplitN(s, ":", 2)
	return parts[0], parts[1], nil
}

// truncate shortens a string for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
