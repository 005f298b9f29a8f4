// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stoprule enforces the pipeline's service-level rule table.
//
// The policy is a four-state machine:
//
//	NORMAL ----> DEGRADED   precision or latency out of bound, or a
//	                        false-positive breach triggering adjustment
//	NORMAL ----> HALTED     integrity violation, bias disparity, or
//	 (or DEGRADED)          fatal precision loss
//	ANY    ----> ESCALATED  critical growth or a correlation flag
//	                        requiring human sign-off
//	HALTED ----> NORMAL     only through an audited recovery procedure
//
// The policy is also the ledger's append gate: while HALTED or
// ESCALATED, AllowAppend refuses and nothing new enters the chain.
// Every state transition is itself receipted. For transitions that
// close the gate, the receipt is appended first, so the halt receipt
// is the last append the ledger admits.
package stoprule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	stopruleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "proof_stoprule",
			Name:      "transitions_total",
			Help:      "Policy state transitions by origin, destination, and rule.",
		},
		[]string{"from", "to", "rule"},
	)
	stopruleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aleutian",
			Subsystem: "proof_stoprule",
			Name:      "state",
			Help:      "Current policy state (0=NORMAL 1=DEGRADED 2=HALTED 3=ESCALATED).",
		},
	)
	stopruleRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "proof_stoprule",
			Name:      "source_retries_total",
			Help:      "Failed data source attempts recorded by rule 3.",
		},
		[]string{"source"},
	)
)

// =============================================================================
// State
// =============================================================================

// State is the operating mode of the pipeline.
type State int32

const (
	// StateNormal accepts appends and applies the default thresholds.
	StateNormal State = iota

	// StateDegraded accepts appends while a non-fatal bound is out of
	// range. Clears when the breaching metric returns in bound.
	StateDegraded

	// StateHalted refuses appends. Cleared only by an audited
	// recovery procedure.
	StateHalted

	// StateEscalated refuses appends pending human review.
	StateEscalated
)

// String renders the state name used in receipts and health reports.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateDegraded:
		return "DEGRADED"
	case StateHalted:
		return "HALTED"
	case StateEscalated:
		return "ESCALATED"
	default:
		return "UNKNOWN"
	}
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	Rule RuleID
	At   time.Time
	Note string
}

// transitionHistoryCap bounds the in-memory transition log.
const transitionHistoryCap = 64

// =============================================================================
// Policy
// =============================================================================

// Sink receives the receipts the policy emits. *ledger.Ledger
// satisfies it.
type Sink interface {
	Append(ctx context.Context, d receipt.Draft) (receipt.Receipt, error)
}

// AdjustFunc applies a threshold adjustment when rule 6 fires. The
// pipeline wires this to the correlation engine's flag threshold;
// classification boundaries are never adjusted automatically.
type AdjustFunc func(ctx context.Context) error

// Policy applies the rule table and gates ledger appends.
//
// # Description
//
// Observations arrive through Observe (or the per-rule helpers), are
// checked against the configured Thresholds, and produce a typed
// Decision. Breaches drive state transitions; every transition appends
// a stoprule receipt through the Sink.
//
// # Thread Safety
//
// Safe for concurrent use. Transitions and receipt emission are
// serialized by an internal mutex; AllowAppend reads the state
// atomically and never blocks on a transition in progress.
type Policy struct {
	mu     sync.Mutex
	state  atomic.Int32
	bounds Thresholds

	emitter *receipt.Emitter
	sink    Sink
	logger  *slog.Logger

	retries *retryTracker

	// adjustLimiter meters adjust receipts and invocations so a
	// flapping false-positive rate cannot flood the ledger.
	adjustLimiter *rate.Limiter
	adjust        AdjustFunc

	// degradedBy tracks which non-fatal rules are currently out of
	// bound. DEGRADED clears only when the set empties.
	degradedBy map[RuleID]bool

	// fatalRule remembers which rule closed the gate, for the
	// recovery receipt.
	fatalRule RuleID

	history []Transition
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithThresholds overrides the rule-table bounds. Zero-valued fields
// keep their defaults.
func WithThresholds(t Thresholds) PolicyOption {
	return func(p *Policy) { p.bounds = mergeThresholds(t) }
}

// WithPolicyLogger sets the structured logger. Nil keeps the default.
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithAdjustFunc wires the callback invoked when rule 6 adjusts
// thresholds.
func WithAdjustFunc(fn AdjustFunc) PolicyOption {
	return func(p *Policy) { p.adjust = fn }
}

// WithAdjustLimit overrides the adjust rate limit. Non-positive
// arguments keep the default of one adjustment per minute.
func WithAdjustLimit(interval time.Duration, burst int) PolicyOption {
	return func(p *Policy) {
		if interval > 0 && burst > 0 {
			p.adjustLimiter = rate.NewLimiter(rate.Every(interval), burst)
		}
	}
}

// NewPolicy builds a Policy in the NORMAL state.
//
//	Inputs:
//	  emitter - Drafts the receipts the policy appends. Required.
//	  sink    - Receives those receipts, usually the ledger. Required.
//	  opts    - Optional configuration.
//
//	Outputs:
//	  *Policy ready for wiring as the ledger gate.
func NewPolicy(emitter *receipt.Emitter, sink Sink, opts ...PolicyOption) (*Policy, error) {
	if emitter == nil {
		return nil, errors.New("stoprule: emitter is required")
	}
	if sink == nil {
		return nil, errors.New("stoprule: sink is required")
	}
	p := &Policy{
		bounds:        DefaultThresholds(),
		emitter:       emitter,
		sink:          sink,
		logger:        slog.Default(),
		adjustLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		degradedBy:    make(map[RuleID]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retries = newRetryTracker(p.bounds.RetryBudget)
	stopruleState.Set(float64(StateNormal))
	return p, nil
}

// mergeThresholds fills zero fields with defaults and rejects an
// inverted precision band.
func mergeThresholds(t Thresholds) Thresholds {
	d := DefaultThresholds()
	if t.BiasDisparityMax <= 0 {
		t.BiasDisparityMax = d.BiasDisparityMax
	}
	if t.PrecisionFatal <= 0 {
		t.PrecisionFatal = d.PrecisionFatal
	}
	if t.PrecisionMin <= 0 {
		t.PrecisionMin = d.PrecisionMin
	}
	if t.PrecisionFatal >= t.PrecisionMin {
		t.PrecisionFatal = d.PrecisionFatal
		t.PrecisionMin = d.PrecisionMin
	}
	if t.FalsePositiveMax <= 0 {
		t.FalsePositiveMax = d.FalsePositiveMax
	}
	if t.GrowthCritical <= 0 {
		t.GrowthCritical = d.GrowthCritical
	}
	if t.CorrelationFlag <= 0 {
		t.CorrelationFlag = d.CorrelationFlag
	}
	if t.DetectionLatencyMax <= 0 {
		t.DetectionLatencyMax = d.DetectionLatencyMax
	}
	if t.IngestLatencyMax <= 0 {
		t.IngestLatencyMax = d.IngestLatencyMax
	}
	if t.ParseAccuracyMin <= 0 {
		t.ParseAccuracyMin = d.ParseAccuracyMin
	}
	if t.RetryBudget <= 0 {
		t.RetryBudget = d.RetryBudget
	}
	return t
}

// =============================================================================
// Gate
// =============================================================================

// AllowAppend implements the ledger append gate. It reads the state
// atomically so the hot append path never contends with a transition.
func (p *Policy) AllowAppend() error {
	switch State(p.state.Load()) {
	case StateHalted:
		return ErrHalted
	case StateEscalated:
		return ErrEscalated
	default:
		return nil
	}
}

// State reports the current operating mode.
func (p *Policy) State() State {
	return State(p.state.Load())
}

// Bounds returns the active rule-table thresholds.
func (p *Policy) Bounds() Thresholds {
	return p.bounds
}

// History returns a copy of the recorded transitions, oldest first.
func (p *Policy) History() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transition, len(p.history))
	copy(out, p.history)
	return out
}

// RetryAttempts reports the failure count recorded for a data source.
func (p *Policy) RetryAttempts(source string) int {
	return p.retries.attemptsFor(source)
}

// =============================================================================
// Observation
// =============================================================================

// Observe applies one metric to the rule table.
//
// # Description
//
// Returns Ok when the observation is in bound or when the rule's
// action (degrade, adjust, escalate) lets the current unit of work
// finish; Retryable when a data source failed within its retry
// budget; Fatal when a rule closed the append gate. Rule outcomes are
// never signaled by panic.
//
// # Inputs
//
//   - ctx: Carries cancellation into receipt appends.
//   - m: The observation. Rule selects the rule-table row.
//
// # Outputs
//
//   - Decision: Ok, Retryable, or Fatal.
func (p *Policy) Observe(ctx context.Context, m Metric) Decision {
	switch m.Rule {
	case RuleChainIntegrity, RuleReceiptShape:
		return p.haltOn(ctx, m, "violation", 0)

	case RuleSourceAvailability:
		return p.observeSource(ctx, m)

	case RuleBiasDisparity:
		if m.Value >= p.bounds.BiasDisparityMax {
			return p.haltOn(ctx, m, "violation", p.bounds.BiasDisparityMax)
		}
		return Ok{}

	case RulePrecision:
		if m.Value < p.bounds.PrecisionMin && m.Detail == "" {
			m.Detail = (&PrecisionDegradationError{
				Precision:    m.Value,
				FatalBelow:   p.bounds.PrecisionFatal,
				DegradeBelow: p.bounds.PrecisionMin,
			}).Error()
		}
		if m.Value < p.bounds.PrecisionFatal {
			return p.haltOn(ctx, m, "violation", p.bounds.PrecisionFatal)
		}
		if m.Value < p.bounds.PrecisionMin {
			p.degradeOn(ctx, m, p.bounds.PrecisionMin)
		} else {
			p.recoverFrom(ctx, m.Rule)
		}
		return Ok{}

	case RuleFalsePositiveRate:
		if m.Value > p.bounds.FalsePositiveMax {
			p.adjustOn(ctx, m)
		} else {
			p.recoverFrom(ctx, m.Rule)
		}
		return Ok{}

	case RuleGrowthRate:
		if m.Value >= p.bounds.GrowthCritical {
			p.escalateOn(ctx, m, p.bounds.GrowthCritical)
		}
		return Ok{}

	case RuleCorrelationSignoff:
		if m.Value >= p.bounds.CorrelationFlag {
			p.escalateOn(ctx, m, p.bounds.CorrelationFlag)
		}
		return Ok{}

	case RuleDetectionLatency:
		return p.observeLatency(ctx, m, p.bounds.DetectionLatencyMax)

	case RuleIngestLatency:
		return p.observeLatency(ctx, m, p.bounds.IngestLatencyMax)

	case RuleParseAccuracy:
		if m.Value < p.bounds.ParseAccuracyMin {
			p.degradeOn(ctx, m, p.bounds.ParseAccuracyMin)
		} else {
			p.recoverFrom(ctx, m.Rule)
		}
		return Ok{}

	default:
		p.logger.Warn("observation for unknown rule ignored",
			"rule", int(m.Rule), "value", m.Value)
		return Ok{}
	}
}

// observeLatency degrades when a duration measurement (milliseconds)
// exceeds its bound.
func (p *Policy) observeLatency(ctx context.Context, m Metric, max time.Duration) Decision {
	bound := float64(max.Milliseconds())
	if m.Value > bound {
		p.degradeOn(ctx, m, bound)
	} else {
		p.recoverFrom(ctx, m.Rule)
	}
	return Ok{}
}

// observeSource applies rule 3: retry with backoff inside the budget,
// halt exactly once when the budget is spent.
func (p *Policy) observeSource(ctx context.Context, m Metric) Decision {
	source := m.Source
	if source == "" {
		source = "unknown"
	}
	stopruleRetries.WithLabelValues(source).Inc()

	attempt, exhausted, first := p.retries.record(source)
	if !exhausted {
		backoff := backoffFor(attempt)
		p.mu.Lock()
		p.appendStoprule(ctx, m.Rule, "retry", float64(attempt),
			float64(p.bounds.RetryBudget), p.State(), p.State())
		p.mu.Unlock()
		p.logger.Warn("data source unavailable, retrying",
			"source", source,
			"attempt", attempt,
			"budget", p.bounds.RetryBudget,
			"backoff", backoff.String(),
		)
		return Retryable{Attempt: attempt, Backoff: backoff}
	}
	if !first {
		// Budget already spent and receipted; never a fourth retry.
		return Fatal{Rule: m.Rule}
	}
	m.Value = float64(attempt)
	if m.Detail == "" {
		m.Detail = (&SourceUnavailableError{
			Source:  source,
			Attempt: attempt,
			Budget:  p.bounds.RetryBudget,
			Err:     m.Err,
		}).Error()
	}
	return p.haltOn(ctx, m, "degradation", float64(p.bounds.RetryBudget))
}

// =============================================================================
// Transitions
// =============================================================================

// haltOn closes the gate for a fatal rule breach. The anomaly receipt
// and the stoprule receipt land before the state flips, so the halt
// receipt is the last append the ledger admits. A second fatal breach
// while already halted emits nothing.
func (p *Policy) haltOn(ctx context.Context, m Metric, classification string, threshold float64) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.State()
	if from == StateHalted {
		return Fatal{Rule: m.Rule}
	}

	p.appendAnomaly(ctx, m, classification)
	p.appendStoprule(ctx, m.Rule, "halt", m.Value, threshold, from, StateHalted)
	p.commit(from, StateHalted, m.Rule, m.Detail)

	p.logger.Error("stoprule halt",
		"rule", m.Rule.String(),
		"observed", m.Value,
		"threshold", threshold,
		"detail", m.Detail,
	)
	return Fatal{Rule: m.Rule}
}

// escalateOn suspends appends pending human sign-off.
func (p *Policy) escalateOn(ctx context.Context, m Metric, threshold float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.State()
	if from == StateEscalated {
		return
	}

	p.appendStoprule(ctx, m.Rule, "escalate", m.Value, threshold, from, StateEscalated)
	p.commit(from, StateEscalated, m.Rule, m.Detail)

	p.logger.Error("stoprule escalation, human review required",
		"rule", m.Rule.String(),
		"observed", m.Value,
		"threshold", threshold,
	)
}

// degradeOn marks a non-fatal rule out of bound. The DEGRADED
// transition happens once; repeat breaches only extend the set of
// out-of-bound rules.
func (p *Policy) degradeOn(ctx context.Context, m Metric, threshold float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.State()
	if from == StateHalted || from == StateEscalated {
		return
	}
	p.degradedBy[m.Rule] = true
	if from == StateDegraded {
		return
	}

	p.appendStoprule(ctx, m.Rule, "degrade", m.Value, threshold, from, StateDegraded)
	p.commit(from, StateDegraded, m.Rule, m.Detail)

	p.logger.Warn("stoprule degradation",
		"rule", m.Rule.String(),
		"observed", m.Value,
		"threshold", threshold,
	)
}

// adjustOn applies rule 6: record the breach, trigger a rate-limited
// threshold adjustment, and degrade until the rate returns in bound.
func (p *Policy) adjustOn(ctx context.Context, m Metric) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.State()
	if from == StateHalted || from == StateEscalated {
		return
	}
	p.degradedBy[m.Rule] = true

	allowed := p.adjustLimiter.Allow()
	if allowed && p.adjust != nil {
		if err := p.adjust(ctx); err != nil {
			p.logger.Error("threshold adjustment failed", "error", err.Error())
		}
	}

	switch {
	case from == StateNormal:
		// The transition receipt doubles as the adjust receipt.
		p.appendStoprule(ctx, m.Rule, "adjust", m.Value,
			p.bounds.FalsePositiveMax, from, StateDegraded)
		p.commit(from, StateDegraded, m.Rule, m.Detail)
		p.logger.Warn("false-positive rate breach, thresholds adjusted",
			"observed", m.Value, "max", p.bounds.FalsePositiveMax)
	case allowed:
		p.appendStoprule(ctx, m.Rule, "adjust", m.Value,
			p.bounds.FalsePositiveMax, from, from)
		p.logger.Warn("false-positive rate still out of bound, thresholds adjusted",
			"observed", m.Value, "max", p.bounds.FalsePositiveMax)
	default:
		p.logger.Debug("adjust suppressed by rate limit",
			"observed", m.Value, "max", p.bounds.FalsePositiveMax)
	}
}

// recoverFrom clears one rule from the degraded set. DEGRADED returns
// to NORMAL only when every out-of-bound rule has recovered.
func (p *Policy) recoverFrom(ctx context.Context, rule RuleID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.degradedBy[rule] {
		return
	}
	delete(p.degradedBy, rule)

	from := p.State()
	if from != StateDegraded || len(p.degradedBy) > 0 {
		return
	}

	p.appendStoprule(ctx, rule, "log", 0, 0, from, StateNormal)
	p.commit(from, StateNormal, rule, "metric restored within bound")

	p.logger.Info("stoprule recovery, metric restored", "rule", rule.String())
}

// Clear reopens the gate after a halt or escalation. Callers run the
// audited recovery procedure (full-chain verification, rollback
// receipt) before invoking Clear; the policy only performs the state
// change and its receipt.
//
//	Inputs:
//	  ctx    - Carries cancellation into the receipt append.
//	  reason - Recorded in the transition log.
//
//	Outputs:
//	  ErrNotHalted if the policy is not HALTED or ESCALATED.
func (p *Policy) Clear(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.State()
	if from != StateHalted && from != StateEscalated {
		return ErrNotHalted
	}

	rule := p.fatalRule
	if rule == 0 {
		rule = RuleChainIntegrity
	}

	// Reopen first: the receipt for this transition must pass the
	// gate it reopens.
	p.state.Store(int32(StateNormal))
	p.retries.clearAll()
	p.degradedBy = make(map[RuleID]bool)
	p.fatalRule = 0

	p.appendStoprule(ctx, rule, "log", 0, 0, from, StateNormal)
	p.commit(from, StateNormal, rule, reason)

	p.logger.Info("stoprule cleared", "from", from.String(), "reason", reason)
	return nil
}

// commit stores the new state and records the transition in the
// history and metrics. Callers hold p.mu. For gate-closing transitions
// the receipts must already have been appended: commit is the moment
// the gate actually moves.
func (p *Policy) commit(from, to State, rule RuleID, note string) {
	p.state.Store(int32(to))
	if to == StateHalted || to == StateEscalated {
		p.fatalRule = rule
	}
	p.history = append(p.history, Transition{
		From: from,
		To:   to,
		Rule: rule,
		At:   time.Now().UTC(),
		Note: note,
	})
	if len(p.history) > transitionHistoryCap {
		p.history = p.history[len(p.history)-transitionHistoryCap:]
	}
	stopruleState.Set(float64(to))
	stopruleTransitions.WithLabelValues(from.String(), to.String(), rule.String()).Inc()
}

// =============================================================================
// Receipts
// =============================================================================

// appendStoprule drafts and appends one stoprule receipt. Emission
// failures are logged, never propagated: a rule decision must not be
// blocked by its own paper trail.
func (p *Policy) appendStoprule(ctx context.Context, rule RuleID, action string, observed, threshold float64, from, to State) {
	d, err := p.emitter.Emit(receipt.KindStoprule, receipt.StoprulePayload{
		RuleID:         int(rule),
		TriggeredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		MetricObserved: observed,
		Threshold:      threshold,
		Action:         action,
		FromState:      from.String(),
		ToState:        to.String(),
	})
	if err != nil {
		p.logger.Error("stoprule receipt draft failed",
			"rule", rule.String(), "action", action, "error", err.Error())
		return
	}
	if _, err := p.sink.Append(ctx, d); err != nil {
		p.logger.Error("stoprule receipt append failed",
			"rule", rule.String(), "action", action, "error", err.Error())
	}
}

// appendAnomaly records the triggering observation itself ahead of a
// halt.
func (p *Policy) appendAnomaly(ctx context.Context, m Metric, classification string) {
	subject := m.Source
	if subject == "" {
		subject = m.Rule.String()
	}
	d, err := p.emitter.Emit(receipt.KindAnomaly, receipt.AnomalyPayload{
		SubjectID:      subject,
		Classification: classification,
		Detail:         m.Detail,
	})
	if err != nil {
		p.logger.Error("anomaly receipt draft failed",
			"rule", m.Rule.String(), "error", err.Error())
		return
	}
	if _, err := p.sink.Append(ctx, d); err != nil {
		p.logger.Error("anomaly receipt append failed",
			"rule", m.Rule.String(), "error", err.Error())
	}
}

// =============================================================================
// Per-rule helpers
// =============================================================================

// ObserveHashMismatch reports a chain integrity violation (rule 1).
func (p *Policy) ObserveHashMismatch(ctx context.Context, detail string) Decision {
	return p.Observe(ctx, Metric{Rule: RuleChainIntegrity, Detail: detail})
}

// ObserveMalformedReceipt reports a stored receipt that failed shape
// validation (rule 2).
func (p *Policy) ObserveMalformedReceipt(ctx context.Context, detail string) Decision {
	return p.Observe(ctx, Metric{Rule: RuleReceiptShape, Detail: detail})
}

// ObserveSourceFailure reports one failed attempt against a data
// source (rule 3).
func (p *Policy) ObserveSourceFailure(ctx context.Context, source string, err error) Decision {
	return p.Observe(ctx, Metric{Rule: RuleSourceAvailability, Source: source, Err: err})
}

// ObserveSourceRecovered clears the retry count after a successful
// fetch.
func (p *Policy) ObserveSourceRecovered(source string) {
	p.retries.reset(source)
}

// ObserveBias reports the flag-rate disparity between comparison
// groups (rule 4).
func (p *Policy) ObserveBias(ctx context.Context, disparity float64) Decision {
	return p.Observe(ctx, Metric{Rule: RuleBiasDisparity, Value: disparity})
}

// ObservePrecision reports measured detection precision (rule 5).
func (p *Policy) ObservePrecision(ctx context.Context, precision float64) Decision {
	return p.Observe(ctx, Metric{Rule: RulePrecision, Value: precision})
}

// ObserveFalsePositiveRate reports the measured false-positive rate
// (rule 6).
func (p *Policy) ObserveFalsePositiveRate(ctx context.Context, fpRate float64) Decision {
	return p.Observe(ctx, Metric{Rule: RuleFalsePositiveRate, Value: fpRate})
}

// ObserveGrowth reports a year-over-year growth multiple (rule 7).
func (p *Policy) ObserveGrowth(ctx context.Context, subjectID string, growthRate float64) Decision {
	return p.Observe(ctx, Metric{Rule: RuleGrowthRate, Value: growthRate, Source: subjectID})
}

// ObserveCorrelationFlag reports a cross-source correlation score
// (rule 8).
func (p *Policy) ObserveCorrelationFlag(ctx context.Context, entityKey string, score float64) Decision {
	return p.Observe(ctx, Metric{Rule: RuleCorrelationSignoff, Value: score, Source: entityKey})
}

// ObserveDetectionLatency reports how long scoring one record took
// (rule 9).
func (p *Policy) ObserveDetectionLatency(ctx context.Context, d time.Duration) Decision {
	return p.Observe(ctx, Metric{Rule: RuleDetectionLatency, Value: float64(d.Milliseconds())})
}

// ObserveIngestLatency reports end-to-end ingest time (rule 10).
func (p *Policy) ObserveIngestLatency(ctx context.Context, d time.Duration) Decision {
	return p.Observe(ctx, Metric{Rule: RuleIngestLatency, Value: float64(d.Milliseconds())})
}

// ObserveParseAccuracy reports source parse accuracy (rule 11).
func (p *Policy) ObserveParseAccuracy(ctx context.Context, accuracy float64) Decision {
	return p.Observe(ctx, Metric{Rule: RuleParseAccuracy, Value: accuracy})
}
