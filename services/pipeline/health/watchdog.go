// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// Check is one watchdog self-check. Checks must be cheap: the sweep
// runs on a supervisor interval.
type Check func(ctx context.Context) CheckResult

// Sink receives watchdog receipts. *ledger.Ledger satisfies it.
type Sink interface {
	Append(ctx context.Context, d receipt.Draft) (receipt.Receipt, error)
}

// Report is the outcome of one watchdog sweep.
type Report struct {
	Healthy bool          `json:"healthy"`
	State   string        `json:"state"`
	Results []CheckResult `json:"results"`
	SweptAt time.Time     `json:"swept_at"`
}

// Watchdog sweeps registered self-checks and appends a watchdog
// receipt per sweep.
//
//	Thread Safety:
//	  Safe for concurrent sweeps; checks themselves must be safe too.
type Watchdog struct {
	checks  []Check
	state   func() string
	emitter *receipt.Emitter
	sink    Sink
	logger  *slog.Logger
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithChecks registers self-checks in sweep order.
func WithChecks(checks ...Check) WatchdogOption {
	return func(w *Watchdog) { w.checks = append(w.checks, checks...) }
}

// WithWatchdogLogger sets the structured logger. Nil keeps the default.
func WithWatchdogLogger(l *slog.Logger) WatchdogOption {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatchdog builds a Watchdog. The state supplier reports the
// current policy state for the receipt; emitter and sink are required.
func NewWatchdog(emitter *receipt.Emitter, sink Sink, state func() string, opts ...WatchdogOption) (*Watchdog, error) {
	if emitter == nil {
		return nil, errors.New("health: emitter is required")
	}
	if sink == nil {
		return nil, errors.New("health: sink is required")
	}
	if state == nil {
		return nil, errors.New("health: state supplier is required")
	}
	w := &Watchdog{
		checks:  []Check{HashCheck()},
		state:   state,
		emitter: emitter,
		sink:    sink,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Sweep runs every check and appends one watchdog receipt.
//
//	Description:
//	  The report is healthy only when every check passes and the
//	  policy accepts appends. Receipt append failures (a halted gate
//	  refuses the watchdog's own receipt) are logged, not fatal: the
//	  report still reaches the supervisor.
func (w *Watchdog) Sweep(ctx context.Context) Report {
	state := w.state()
	results := make([]CheckResult, 0, len(w.checks))
	for _, check := range w.checks {
		results = append(results, check(ctx))
	}

	checks, allPassed := Summarize(results)
	healthy := allPassed && (state == "NORMAL" || state == "DEGRADED")

	report := Report{
		Healthy: healthy,
		State:   state,
		Results: results,
		SweptAt: time.Now().UTC(),
	}

	d, err := w.emitter.Emit(receipt.KindWatchdog, receipt.WatchdogPayload{
		Healthy: healthy,
		State:   state,
		Checks:  checks,
	})
	if err != nil {
		w.logger.Error("watchdog receipt draft failed", "error", err.Error())
		return report
	}
	if _, err := w.sink.Append(ctx, d); err != nil {
		w.logger.Warn("watchdog receipt not admitted", "error", err.Error())
	}

	if healthy {
		w.logger.Debug("watchdog sweep passed", "checks", len(results))
	} else {
		w.logger.Warn("watchdog sweep failed",
			"state", state,
			"issues", issueList(results),
		)
	}
	return report
}

// =============================================================================
// Built-in checks
// =============================================================================

// HashCheck verifies the dual digest still produces its two-algorithm
// format over a known input.
func HashCheck() Check {
	return func(context.Context) CheckResult {
		h := hashing.DigestString("test")
		if !strings.Contains(h, ":") {
			return fail("hashing", "digest not in dual format")
		}
		if !hashing.Valid(h) {
			return fail("hashing", "digest failed shape validation")
		}
		return pass("hashing")
	}
}

// VerifierCheck wraps a chain verification func as a watchdog check.
// The pipeline wires this to a bounded tail verification, not a full
// sweep.
func VerifierCheck(name string, verify func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := verify(ctx); err != nil {
			return fail(name, err.Error())
		}
		return pass(name)
	}
}
