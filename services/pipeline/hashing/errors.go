// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hashing

import "errors"

// Sentinel errors for the hashing package.
var (
	// ErrHashComputation indicates the digest could not be computed
	// from the input (unreadable stream, short read). Always fatal to
	// the single operation; never silently ignored.
	ErrHashComputation = errors.New("hash computation failed")

	// ErrMalformedDigest indicates a digest string that does not match
	// the "<sha256-hex>:<blake3-hex>" form.
	ErrMalformedDigest = errors.New("malformed dual digest")
)
