// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"errors"
	"fmt"
)

var (
	// ErrCompress indicates the pinned compressor failed on a record.
	// Per-record scoring failures are isolated by batch callers, never
	// fatal to the batch.
	ErrCompress = errors.New("compression failed")
)

// BiasViolationError reports an outcome disparity at or above the bias
// threshold. Immediately fatal to pipeline progress: no retry, no
// threshold adjustment. The policy layer halts on it.
type BiasViolationError struct {
	Disparity float64
	Threshold float64
	// HighGroup and LowGroup name the comparison groups at the extremes.
	HighGroup string
	LowGroup  string
}

func (e *BiasViolationError) Error() string {
	return fmt.Sprintf("bias violation: disparity %.4f >= %.4f (%s vs %s)",
		e.Disparity, e.Threshold, e.HighGroup, e.LowGroup)
}
