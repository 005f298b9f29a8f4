// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"errors"
	"fmt"
)

// ErrInvalidLibrary is wrapped by every library validation failure.
// An invalid library is fatal at startup; there is no partial load.
var ErrInvalidLibrary = errors.New("patterns: invalid pattern library")

// PatternNotFoundError reports a lookup of a pattern the registry does
// not hold.
type PatternNotFoundError struct {
	PatternID string
}

func (e *PatternNotFoundError) Error() string {
	return fmt.Sprintf("patterns: pattern %q not found", e.PatternID)
}
