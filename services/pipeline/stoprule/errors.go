// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stoprule

import (
	"errors"
	"fmt"
)

var (
	// ErrHalted is returned by the append gate while the policy is
	// HALTED. Cleared only by an audited rollback procedure.
	ErrHalted = errors.New("stoprule: appends halted")

	// ErrEscalated is returned by the append gate while the policy
	// awaits human review.
	ErrEscalated = errors.New("stoprule: appends suspended pending review")

	// ErrNotHalted is returned by recovery operations invoked while
	// the policy is still accepting appends.
	ErrNotHalted = errors.New("stoprule: policy is not halted or escalated")
)

// PrecisionDegradationError reports detection precision below an
// operating floor.
type PrecisionDegradationError struct {
	Precision    float64
	FatalBelow   float64
	DegradeBelow float64
}

func (e *PrecisionDegradationError) Error() string {
	if e.Fatal() {
		return fmt.Sprintf("precision degradation: %.4f below fatal floor %.2f",
			e.Precision, e.FatalBelow)
	}
	return fmt.Sprintf("precision degradation: %.4f below minimum %.2f",
		e.Precision, e.DegradeBelow)
}

// Fatal reports whether the precision is below the halt floor rather
// than the degrade floor.
func (e *PrecisionDegradationError) Fatal() bool {
	return e.Precision < e.FatalBelow
}

// SourceUnavailableError reports one failed attempt against an
// external data source.
type SourceUnavailableError struct {
	Source  string
	Attempt int
	Budget  int
	Err     error
}

func (e *SourceUnavailableError) Error() string {
	msg := fmt.Sprintf("source %s unavailable (attempt %d/%d)",
		e.Source, e.Attempt, e.Budget)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }
