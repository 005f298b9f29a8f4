// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import "errors"

var (
	// ErrInsufficientSources is returned when an entity has records
	// from fewer than two sources. Correlation is by definition a
	// cross-source measurement.
	ErrInsufficientSources = errors.New("correlate: fewer than two sources with records")

	// ErrNoBases is returned when an engine is constructed with an
	// empty basis list.
	ErrNoBases = errors.New("correlate: no matching bases configured")
)
