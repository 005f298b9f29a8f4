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

import "errors"

var (
	// ErrProofIndex indicates an inclusion proof was requested for an
	// index outside the tree's leaf range.
	ErrProofIndex = errors.New("proof index out of range")

	// ErrNotAnchor indicates a receipt passed to anchor verification
	// is not an anchor_receipt.
	ErrNotAnchor = errors.New("receipt is not an anchor")

	// ErrAnchorPayload indicates an anchor receipt's payload is absent
	// or undecodable, so its root cannot be checked.
	ErrAnchorPayload = errors.New("anchor payload unreadable")

	// ErrNotCovered indicates an inclusion proof was requested for a
	// sequence outside the anchor's committed range.
	ErrNotCovered = errors.New("sequence not covered by anchor")
)
