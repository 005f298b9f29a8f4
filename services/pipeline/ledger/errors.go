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

import "errors"

// Sentinel errors for the ledger package.
var (
	// ErrHashMismatch indicates a ledger integrity violation: a stored
	// receipt whose payload or chain hash no longer matches
	// recomputation, or a sequence gap. Fatal; the caller must surface
	// it to the stoprule policy, which halts further appends.
	ErrHashMismatch = errors.New("ledger hash mismatch")

	// ErrEmptyLedger indicates a tail read on a ledger with no
	// receipts.
	ErrEmptyLedger = errors.New("ledger is empty")

	// ErrAppendsHalted indicates the append gate refused the write
	// (stoprule policy in HALTED or ESCALATED state).
	ErrAppendsHalted = errors.New("ledger appends halted")

	// ErrInvalidDraft indicates a draft that did not come through the
	// emitter intact: missing kind, malformed payload hash, or payload
	// bytes that do not hash to payload_hash.
	ErrInvalidDraft = errors.New("invalid receipt draft")

	// ErrNotFound indicates a sequence number with no stored receipt.
	ErrNotFound = errors.New("receipt not found")

	// ErrInvalidRange indicates lo > hi or a range beyond the tail.
	ErrInvalidRange = errors.New("invalid ledger range")

	// ErrManifestCorrupt indicates MANIFEST.anchor failed its checksum
	// or could not be parsed.
	ErrManifestCorrupt = errors.New("anchor manifest corrupt")
)
