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
	"sync"
	"time"
)

// retryBaseBackoff is the wait after the first failed attempt; it
// doubles per attempt.
const retryBaseBackoff = 250 * time.Millisecond

// retryTracker counts consecutive failures per data source. A source
// that exhausts its budget is marked so the halt fires exactly once;
// further failures for the same source never restart the retry loop.
type retryTracker struct {
	mu        sync.Mutex
	budget    int
	attempts  map[string]int
	exhausted map[string]bool
}

func newRetryTracker(budget int) *retryTracker {
	return &retryTracker{
		budget:    budget,
		attempts:  make(map[string]int),
		exhausted: make(map[string]bool),
	}
}

// record registers one failure and reports the attempt number, whether
// the budget is now spent, and whether this call is the first to spend
// it.
//
//	Description:
//	  Attempts are 1-based. With a budget of 3 the first two failures
//	  are retryable; the third exhausts the budget. Failures after
//	  exhaustion report exhausted=true, first=false.
//
//	Inputs:
//	  source - Data source identifier.
//
//	Outputs:
//	  attempt   - 1-based failure count, clamped at the budget.
//	  exhausted - True once the budget is spent.
//	  first     - True only on the call that spends the budget.
func (t *retryTracker) record(source string) (attempt int, exhausted, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exhausted[source] {
		return t.budget, true, false
	}
	t.attempts[source]++
	attempt = t.attempts[source]
	if attempt >= t.budget {
		t.exhausted[source] = true
		return t.budget, true, true
	}
	return attempt, false, false
}

// reset clears the failure count for a source after a successful
// fetch. An exhausted source stays exhausted; only a rollback clears
// that mark.
func (t *retryTracker) reset(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exhausted[source] {
		return
	}
	delete(t.attempts, source)
}

// clearAll wipes all counts and exhaustion marks. Called when a
// rollback restores the pipeline to NORMAL.
func (t *retryTracker) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = make(map[string]int)
	t.exhausted = make(map[string]bool)
}

// attemptsFor reports the current failure count for a source.
func (t *retryTracker) attemptsFor(source string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[source]
}

// backoffFor returns the wait before the next attempt: 250ms after the
// first failure, doubling per attempt.
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return retryBaseBackoff << (attempt - 1)
}
