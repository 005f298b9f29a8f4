// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package receipt

import "errors"

// Sentinel errors for the receipt package.
var (
	// ErrSchemaValidation indicates a malformed receipt draft: unknown
	// kind, uncanonicalizable payload, or missing required fields.
	// Rejected before append; logged; never fatal to the process.
	ErrSchemaValidation = errors.New("receipt schema validation failed")

	// ErrUnknownKind indicates a receipt_type absent from the kind
	// registry. Wrapped by ErrSchemaValidation at emit time.
	ErrUnknownKind = errors.New("unknown receipt kind")

	// ErrRegistrySealed indicates a kind registration after the
	// registry was sealed at pipeline startup.
	ErrRegistrySealed = errors.New("kind registry sealed")

	// ErrDuplicateKind indicates a kind registered twice.
	ErrDuplicateKind = errors.New("duplicate receipt kind")
)
