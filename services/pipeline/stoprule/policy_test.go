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
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// gatedSink mimics the ledger: it consults the append gate before
// admitting a draft, so tests observe the same receipt ordering the
// real chain would.
type gatedSink struct {
	mu     sync.Mutex
	gate   func() error
	drafts []receipt.Draft
}

func (s *gatedSink) Append(_ context.Context, d receipt.Draft) (receipt.Receipt, error) {
	if s.gate != nil {
		if err := s.gate(); err != nil {
			return receipt.Receipt{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, d)
	return receipt.Receipt{
		Kind:        d.Kind,
		TS:          d.TS,
		TenantID:    d.TenantID,
		PayloadHash: d.PayloadHash,
		Sequence:    uint64(len(s.drafts) - 1),
		Payload:     d.Payload,
	}, nil
}

func (s *gatedSink) kinds() []receipt.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]receipt.Kind, len(s.drafts))
	for i, d := range s.drafts {
		out[i] = d.Kind
	}
	return out
}

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

func testPolicy(t *testing.T, opts ...PolicyOption) (*Policy, *gatedSink) {
	t.Helper()
	sink := &gatedSink{}
	em := receipt.NewEmitter(receipt.NewDeploymentContext("ohioproof"), receipt.NewKindRegistry())
	p, err := NewPolicy(em, sink, opts...)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	sink.gate = p.AllowAppend
	return p, sink
}

// lastStoprule returns the most recent stoprule payload the sink
// admitted.
func lastStoprule(t *testing.T, s *gatedSink) receipt.StoprulePayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.drafts) - 1; i >= 0; i-- {
		if s.drafts[i].Kind != receipt.KindStoprule {
			continue
		}
		var p receipt.StoprulePayload
		if err := json.Unmarshal(s.drafts[i].Payload, &p); err != nil {
			t.Fatalf("unmarshal stoprule payload: %v", err)
		}
		return p
	}
	t.Fatal("no stoprule receipt recorded")
	return receipt.StoprulePayload{}
}

func lastAnomaly(t *testing.T, s *gatedSink) receipt.AnomalyPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.drafts) - 1; i >= 0; i-- {
		if s.drafts[i].Kind != receipt.KindAnomaly {
			continue
		}
		var p receipt.AnomalyPayload
		if err := json.Unmarshal(s.drafts[i].Payload, &p); err != nil {
			t.Fatalf("unmarshal anomaly payload: %v", err)
		}
		return p
	}
	t.Fatal("no anomaly receipt recorded")
	return receipt.AnomalyPayload{}
}

func wantFatal(t *testing.T, d Decision, rule RuleID) {
	t.Helper()
	f, ok := d.(Fatal)
	if !ok {
		t.Fatalf("decision = %T, want Fatal", d)
	}
	if f.Rule != rule {
		t.Fatalf("Fatal.Rule = %v, want %v", f.Rule, rule)
	}
}

func TestPolicy_StartsNormal(t *testing.T) {
	p, _ := testPolicy(t)

	if got := p.State(); got != StateNormal {
		t.Errorf("State() = %v, want NORMAL", got)
	}
	if err := p.AllowAppend(); err != nil {
		t.Errorf("AllowAppend() = %v, want nil", err)
	}
}

func TestPolicy_RequiresDependencies(t *testing.T) {
	em := receipt.NewEmitter(receipt.NewDeploymentContext("ohioproof"), receipt.NewKindRegistry())

	if _, err := NewPolicy(nil, &gatedSink{}); err == nil {
		t.Error("NewPolicy(nil emitter) error = nil, want error")
	}
	if _, err := NewPolicy(em, nil); err == nil {
		t.Error("NewPolicy(nil sink) error = nil, want error")
	}
}

func TestPolicy_BiasDisparityHalts(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	// 0.6% disparity against the 0.5% tolerance.
	wantFatal(t, p.ObserveBias(ctx, 0.006), RuleBiasDisparity)

	if got := p.State(); got != StateHalted {
		t.Fatalf("State() = %v, want HALTED", got)
	}
	if err := p.AllowAppend(); !errors.Is(err, ErrHalted) {
		t.Errorf("AllowAppend() = %v, want ErrHalted", err)
	}

	kinds := sink.kinds()
	want := []receipt.Kind{receipt.KindAnomaly, receipt.KindStoprule}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("admitted receipts = %v, want %v", kinds, want)
	}

	sp := lastStoprule(t, sink)
	if sp.RuleID != int(RuleBiasDisparity) {
		t.Errorf("rule_id = %d, want %d", sp.RuleID, RuleBiasDisparity)
	}
	if sp.Action != "halt" {
		t.Errorf("action = %q, want halt", sp.Action)
	}
	if sp.FromState != "NORMAL" || sp.ToState != "HALTED" {
		t.Errorf("transition = %s->%s, want NORMAL->HALTED", sp.FromState, sp.ToState)
	}
	if sp.MetricObserved != 0.006 || sp.Threshold != 0.005 {
		t.Errorf("observed/threshold = %v/%v, want 0.006/0.005",
			sp.MetricObserved, sp.Threshold)
	}

	ap := lastAnomaly(t, sink)
	if ap.Classification != "violation" {
		t.Errorf("anomaly classification = %q, want violation", ap.Classification)
	}
}

func TestPolicy_BiasWithinTolerance(t *testing.T) {
	p, sink := testPolicy(t)

	if _, ok := p.ObserveBias(context.Background(), 0.004).(Ok); !ok {
		t.Fatal("disparity below tolerance should be Ok")
	}
	if got := p.State(); got != StateNormal {
		t.Errorf("State() = %v, want NORMAL", got)
	}
	if n := sink.count(); n != 0 {
		t.Errorf("receipts admitted = %d, want 0", n)
	}
}

func TestPolicy_HaltReceiptIsLastAdmitted(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	p.ObserveHashMismatch(ctx, "seq 41 chain hash mismatch")

	admitted := sink.count()
	if admitted != 2 {
		t.Fatalf("admitted = %d, want 2 (anomaly + halt receipt)", admitted)
	}

	// Anything after the halt receipt is refused by the gate.
	if _, err := sink.Append(ctx, receipt.Draft{Kind: receipt.KindIngest}); !errors.Is(err, ErrHalted) {
		t.Fatalf("post-halt append error = %v, want ErrHalted", err)
	}
	if sink.count() != admitted {
		t.Error("sink admitted a draft after the halt receipt")
	}
}

func TestPolicy_HashMismatchHalts(t *testing.T) {
	p, sink := testPolicy(t)

	wantFatal(t, p.ObserveHashMismatch(context.Background(), "stored hash diverged"), RuleChainIntegrity)

	ap := lastAnomaly(t, sink)
	if ap.SubjectID != "chain_integrity" {
		t.Errorf("anomaly subject = %q, want chain_integrity", ap.SubjectID)
	}
	if ap.Detail != "stored hash diverged" {
		t.Errorf("anomaly detail = %q", ap.Detail)
	}
}

func TestPolicy_MalformedReceiptHalts(t *testing.T) {
	p, _ := testPolicy(t)

	wantFatal(t, p.ObserveMalformedReceipt(context.Background(), "missing payload_hash"), RuleReceiptShape)

	if got := p.State(); got != StateHalted {
		t.Errorf("State() = %v, want HALTED", got)
	}
}

func TestPolicy_SecondFatalBreachEmitsNothing(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	p.ObserveBias(ctx, 0.006)
	before := sink.count()

	wantFatal(t, p.ObserveHashMismatch(ctx, "also broken"), RuleChainIntegrity)
	if sink.count() != before {
		t.Errorf("second breach admitted receipts: %d -> %d", before, sink.count())
	}
}

func TestPolicy_PrecisionBands(t *testing.T) {
	tests := []struct {
		name      string
		precision float64
		wantState State
		fatal     bool
	}{
		{"below fatal floor", 0.45, StateHalted, true},
		{"between floors", 0.65, StateDegraded, false},
		{"at degrade floor", 0.80, StateNormal, false},
		{"healthy", 0.95, StateNormal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPolicy(t)
			d := p.ObservePrecision(context.Background(), tt.precision)
			if tt.fatal {
				wantFatal(t, d, RulePrecision)
			} else if _, ok := d.(Ok); !ok {
				t.Fatalf("decision = %T, want Ok", d)
			}
			if got := p.State(); got != tt.wantState {
				t.Errorf("State() = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestPolicy_BiasHaltsRegardlessOfPrecision(t *testing.T) {
	// Healthy precision does not excuse a bias breach.
	p, _ := testPolicy(t)
	ctx := context.Background()

	p.ObservePrecision(ctx, 0.99)
	wantFatal(t, p.ObserveBias(ctx, 0.006), RuleBiasDisparity)

	if got := p.State(); got != StateHalted {
		t.Errorf("State() = %v, want HALTED", got)
	}
}

func TestPolicy_PrecisionRecovery(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	p.ObservePrecision(ctx, 0.65)
	if got := p.State(); got != StateDegraded {
		t.Fatalf("State() = %v, want DEGRADED", got)
	}

	p.ObservePrecision(ctx, 0.85)
	if got := p.State(); got != StateNormal {
		t.Fatalf("State() = %v, want NORMAL after recovery", got)
	}

	sp := lastStoprule(t, sink)
	if sp.FromState != "DEGRADED" || sp.ToState != "NORMAL" {
		t.Errorf("transition = %s->%s, want DEGRADED->NORMAL", sp.FromState, sp.ToState)
	}
	if sp.Action != "log" {
		t.Errorf("recovery action = %q, want log", sp.Action)
	}
}

func TestPolicy_DegradedClearsOnlyWhenAllRulesRecover(t *testing.T) {
	p, _ := testPolicy(t)
	ctx := context.Background()

	p.ObservePrecision(ctx, 0.65)
	p.ObserveParseAccuracy(ctx, 0.99)

	p.ObservePrecision(ctx, 0.90)
	if got := p.State(); got != StateDegraded {
		t.Fatalf("State() = %v, want DEGRADED while parse accuracy out of bound", got)
	}

	p.ObserveParseAccuracy(ctx, 0.9995)
	if got := p.State(); got != StateNormal {
		t.Errorf("State() = %v, want NORMAL after both recover", got)
	}
}

func TestPolicy_SourceRetryThenHalt(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()
	fetchErr := errors.New("connection refused")

	d1 := p.ObserveSourceFailure(ctx, "checkbook", fetchErr)
	r1, ok := d1.(Retryable)
	if !ok {
		t.Fatalf("first failure decision = %T, want Retryable", d1)
	}
	if r1.Attempt != 1 || r1.Backoff != 250*time.Millisecond {
		t.Errorf("first retry = {%d %v}, want {1 250ms}", r1.Attempt, r1.Backoff)
	}

	d2 := p.ObserveSourceFailure(ctx, "checkbook", fetchErr)
	r2, ok := d2.(Retryable)
	if !ok {
		t.Fatalf("second failure decision = %T, want Retryable", d2)
	}
	if r2.Attempt != 2 || r2.Backoff != 500*time.Millisecond {
		t.Errorf("second retry = {%d %v}, want {2 500ms}", r2.Attempt, r2.Backoff)
	}

	// Third failure spends the budget: halt, exactly once.
	wantFatal(t, p.ObserveSourceFailure(ctx, "checkbook", fetchErr), RuleSourceAvailability)
	if got := p.State(); got != StateHalted {
		t.Fatalf("State() = %v, want HALTED", got)
	}

	kinds := sink.kinds()
	want := []receipt.Kind{
		receipt.KindStoprule, // retry 1
		receipt.KindStoprule, // retry 2
		receipt.KindAnomaly,
		receipt.KindStoprule, // halt
	}
	if len(kinds) != len(want) {
		t.Fatalf("admitted %d receipts %v, want %d", len(kinds), kinds, len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("receipt[%d] = %v, want %v (full: %v)", i, kinds[i], want[i], kinds)
		}
	}

	ap := lastAnomaly(t, sink)
	if ap.SubjectID != "checkbook" {
		t.Errorf("anomaly subject = %q, want checkbook", ap.SubjectID)
	}
	if ap.Classification != "degradation" {
		t.Errorf("anomaly classification = %q, want degradation", ap.Classification)
	}

	// A fourth failure never restarts the retry loop and never
	// re-emits the halt.
	before := sink.count()
	wantFatal(t, p.ObserveSourceFailure(ctx, "checkbook", fetchErr), RuleSourceAvailability)
	if sink.count() != before {
		t.Error("fourth failure emitted receipts after the budget was spent")
	}
}

func TestPolicy_SourceRecoveryResetsBudget(t *testing.T) {
	p, _ := testPolicy(t)
	ctx := context.Background()
	fetchErr := errors.New("timeout")

	p.ObserveSourceFailure(ctx, "usaspending", fetchErr)
	p.ObserveSourceFailure(ctx, "usaspending", fetchErr)
	p.ObserveSourceRecovered("usaspending")

	d := p.ObserveSourceFailure(ctx, "usaspending", fetchErr)
	r, ok := d.(Retryable)
	if !ok {
		t.Fatalf("decision after recovery = %T, want Retryable", d)
	}
	if r.Attempt != 1 {
		t.Errorf("attempt after recovery = %d, want 1", r.Attempt)
	}
}

func TestPolicy_SourceBudgetsAreIndependent(t *testing.T) {
	p, _ := testPolicy(t)
	ctx := context.Background()
	fetchErr := errors.New("503")

	p.ObserveSourceFailure(ctx, "checkbook", fetchErr)
	p.ObserveSourceFailure(ctx, "checkbook", fetchErr)

	d := p.ObserveSourceFailure(ctx, "puco", fetchErr)
	r, ok := d.(Retryable)
	if !ok {
		t.Fatalf("decision = %T, want Retryable", d)
	}
	if r.Attempt != 1 {
		t.Errorf("puco attempt = %d, want 1 (budgets must not bleed across sources)", r.Attempt)
	}
}

func TestPolicy_SourceHaltDetailNamesCause(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.ObserveSourceFailure(ctx, "puco", errors.New("dial tcp: i/o timeout"))
	}

	ap := lastAnomaly(t, sink)
	for _, want := range []string{"puco", "3/3", "dial tcp: i/o timeout"} {
		if !strings.Contains(ap.Detail, want) {
			t.Errorf("halt detail = %q, missing %q", ap.Detail, want)
		}
	}
}

func TestPolicy_PrecisionHaltDetailNamesFloor(t *testing.T) {
	p, sink := testPolicy(t)

	wantFatal(t, p.ObservePrecision(context.Background(), 0.45), RulePrecision)

	ap := lastAnomaly(t, sink)
	for _, want := range []string{"0.4500", "0.50"} {
		if !strings.Contains(ap.Detail, want) {
			t.Errorf("halt detail = %q, missing %q", ap.Detail, want)
		}
	}
}

func TestSourceUnavailableError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	var err error = &SourceUnavailableError{Source: "socrata", Attempt: 2, Budget: 3, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want underlying cause reachable")
	}
	for _, want := range []string{"socrata", "2/3", "connection refused"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q, missing %q", err.Error(), want)
		}
	}
}

func TestPrecisionDegradationError_FatalBand(t *testing.T) {
	fatal := &PrecisionDegradationError{Precision: 0.45, FatalBelow: 0.50, DegradeBelow: 0.80}
	if !fatal.Fatal() {
		t.Error("Fatal() = false for precision below the fatal floor")
	}
	degraded := &PrecisionDegradationError{Precision: 0.65, FatalBelow: 0.50, DegradeBelow: 0.80}
	if degraded.Fatal() {
		t.Error("Fatal() = true for precision in the degrade band")
	}
	if !strings.Contains(degraded.Error(), "minimum") {
		t.Errorf("Error() = %q, want the degrade floor named", degraded.Error())
	}
}

func TestPolicy_FalsePositiveAdjust(t *testing.T) {
	var calls int
	p, sink := testPolicy(t, WithAdjustFunc(func(context.Context) error {
		calls++
		return nil
	}))
	ctx := context.Background()

	if _, ok := p.ObserveFalsePositiveRate(ctx, 0.20).(Ok); !ok {
		t.Fatal("false-positive breach should be Ok (action adjust, continue)")
	}
	if got := p.State(); got != StateDegraded {
		t.Fatalf("State() = %v, want DEGRADED", got)
	}
	if calls != 1 {
		t.Errorf("adjust calls = %d, want 1", calls)
	}

	sp := lastStoprule(t, sink)
	if sp.Action != "adjust" {
		t.Errorf("action = %q, want adjust", sp.Action)
	}

	// Flapping breaches inside the rate window emit nothing further.
	before := sink.count()
	for i := 0; i < 4; i++ {
		p.ObserveFalsePositiveRate(ctx, 0.22)
	}
	if sink.count() != before {
		t.Errorf("flapping breaches admitted %d extra receipts", sink.count()-before)
	}
	if calls != 1 {
		t.Errorf("adjust calls after flapping = %d, want 1", calls)
	}

	// Recovery returns to NORMAL.
	p.ObserveFalsePositiveRate(ctx, 0.10)
	if got := p.State(); got != StateNormal {
		t.Errorf("State() = %v, want NORMAL after recovery", got)
	}
}

func TestPolicy_AdjustLimitOverride(t *testing.T) {
	var calls int
	p, sink := testPolicy(t,
		WithAdjustFunc(func(context.Context) error { calls++; return nil }),
		WithAdjustLimit(time.Hour, 2),
	)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.ObserveFalsePositiveRate(ctx, 0.30)
	}

	// Burst of two: the transition receipt plus one standalone adjust.
	if n := sink.count(); n != 2 {
		t.Errorf("receipts admitted = %d, want 2", n)
	}
	if calls != 2 {
		t.Errorf("adjust calls = %d, want 2", calls)
	}
}

func TestPolicy_GrowthEscalates(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	if _, ok := p.ObserveGrowth(ctx, "sponsor-0042", 30.0).(Ok); !ok {
		t.Fatal("growth escalation should be Ok (action escalate, continue)")
	}
	if got := p.State(); got != StateEscalated {
		t.Fatalf("State() = %v, want ESCALATED", got)
	}
	if err := p.AllowAppend(); !errors.Is(err, ErrEscalated) {
		t.Errorf("AllowAppend() = %v, want ErrEscalated", err)
	}

	sp := lastStoprule(t, sink)
	if sp.Action != "escalate" {
		t.Errorf("action = %q, want escalate", sp.Action)
	}
	if sp.RuleID != int(RuleGrowthRate) {
		t.Errorf("rule_id = %d, want %d", sp.RuleID, RuleGrowthRate)
	}
}

func TestPolicy_GrowthBelowCriticalStaysNormal(t *testing.T) {
	p, _ := testPolicy(t)

	p.ObserveGrowth(context.Background(), "sponsor-0042", 27.9)
	if got := p.State(); got != StateNormal {
		t.Errorf("State() = %v, want NORMAL below the critical multiple", got)
	}
}

func TestPolicy_CorrelationFlagEscalates(t *testing.T) {
	p, _ := testPolicy(t)
	ctx := context.Background()

	p.ObserveCorrelationFlag(ctx, "vendor:acme", 0.699)
	if got := p.State(); got != StateNormal {
		t.Fatalf("State() = %v, want NORMAL below the flag threshold", got)
	}

	p.ObserveCorrelationFlag(ctx, "vendor:acme", 0.70)
	if got := p.State(); got != StateEscalated {
		t.Errorf("State() = %v, want ESCALATED at the flag threshold", got)
	}
}

func TestPolicy_LatencyDegrades(t *testing.T) {
	tests := []struct {
		name    string
		observe func(*Policy, context.Context)
	}{
		{"detection latency", func(p *Policy, ctx context.Context) {
			p.ObserveDetectionLatency(ctx, 6*time.Second)
		}},
		{"ingest latency", func(p *Policy, ctx context.Context) {
			p.ObserveIngestLatency(ctx, 61*time.Second)
		}},
		{"parse accuracy", func(p *Policy, ctx context.Context) {
			p.ObserveParseAccuracy(ctx, 0.99)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPolicy(t)
			tt.observe(p, context.Background())
			if got := p.State(); got != StateDegraded {
				t.Errorf("State() = %v, want DEGRADED", got)
			}
		})
	}
}

func TestPolicy_LatencyWithinBoundIsQuiet(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	p.ObserveDetectionLatency(ctx, 80*time.Millisecond)
	p.ObserveIngestLatency(ctx, 4*time.Second)
	p.ObserveParseAccuracy(ctx, 0.9996)

	if got := p.State(); got != StateNormal {
		t.Errorf("State() = %v, want NORMAL", got)
	}
	if n := sink.count(); n != 0 {
		t.Errorf("receipts admitted = %d, want 0", n)
	}
}

func TestPolicy_ObservationsWhileHaltedDoNotDegrade(t *testing.T) {
	p, _ := testPolicy(t)
	ctx := context.Background()

	p.ObserveBias(ctx, 0.006)
	p.ObserveDetectionLatency(ctx, 10*time.Second)

	if got := p.State(); got != StateHalted {
		t.Errorf("State() = %v, want HALTED (degrade must not reopen the gate)", got)
	}
}

func TestPolicy_ClearRequiresHaltedState(t *testing.T) {
	p, _ := testPolicy(t)

	if err := p.Clear(context.Background(), "nothing to clear"); !errors.Is(err, ErrNotHalted) {
		t.Errorf("Clear() on NORMAL = %v, want ErrNotHalted", err)
	}
}

func TestPolicy_ClearReopensGate(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()
	fetchErr := errors.New("gone")

	for i := 0; i < 3; i++ {
		p.ObserveSourceFailure(ctx, "checkbook", fetchErr)
	}
	if got := p.State(); got != StateHalted {
		t.Fatalf("State() = %v, want HALTED", got)
	}

	if err := p.Clear(ctx, "manual clear after full-chain audit"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got := p.State(); got != StateNormal {
		t.Fatalf("State() = %v, want NORMAL", got)
	}
	if err := p.AllowAppend(); err != nil {
		t.Errorf("AllowAppend() after clear = %v, want nil", err)
	}

	sp := lastStoprule(t, sink)
	if sp.FromState != "HALTED" || sp.ToState != "NORMAL" {
		t.Errorf("transition = %s->%s, want HALTED->NORMAL", sp.FromState, sp.ToState)
	}

	// The cleared source gets a fresh retry budget.
	d := p.ObserveSourceFailure(ctx, "checkbook", fetchErr)
	r, ok := d.(Retryable)
	if !ok {
		t.Fatalf("post-clear failure decision = %T, want Retryable", d)
	}
	if r.Attempt != 1 {
		t.Errorf("post-clear attempt = %d, want 1", r.Attempt)
	}
}

func TestPolicy_History(t *testing.T) {
	p, _ := testPolicy(t)
	ctx := context.Background()

	p.ObserveBias(ctx, 0.0051)
	p.Clear(ctx, "audited")

	h := p.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].From != StateNormal || h[0].To != StateHalted || h[0].Rule != RuleBiasDisparity {
		t.Errorf("history[0] = %+v, want NORMAL->HALTED by bias_disparity", h[0])
	}
	if h[1].From != StateHalted || h[1].To != StateNormal {
		t.Errorf("history[1] = %+v, want HALTED->NORMAL", h[1])
	}
}

func TestPolicy_CustomThresholds(t *testing.T) {
	p, _ := testPolicy(t, WithThresholds(Thresholds{BiasDisparityMax: 0.01}))
	ctx := context.Background()

	if _, ok := p.ObserveBias(ctx, 0.006).(Ok); !ok {
		t.Fatal("0.006 under a 0.01 tolerance should be Ok")
	}
	wantFatal(t, p.ObserveBias(ctx, 0.01), RuleBiasDisparity)

	// Fields left zero keep their defaults.
	if got := p.Bounds().PrecisionFatal; got != 0.50 {
		t.Errorf("PrecisionFatal = %v, want default 0.50", got)
	}
}

func TestPolicy_ConcurrentFatalBreachesHaltOnce(t *testing.T) {
	p, sink := testPolicy(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ObserveBias(ctx, 0.009)
		}()
	}
	wg.Wait()

	if got := p.State(); got != StateHalted {
		t.Fatalf("State() = %v, want HALTED", got)
	}
	// Exactly one anomaly and one halt receipt, no matter how many
	// goroutines observed the breach.
	if n := sink.count(); n != 2 {
		t.Errorf("receipts admitted = %d, want 2", n)
	}
}

func TestPolicy_UnknownRuleIgnored(t *testing.T) {
	p, sink := testPolicy(t)

	if _, ok := p.Observe(context.Background(), Metric{Rule: RuleID(99), Value: 1.0}).(Ok); !ok {
		t.Fatal("unknown rule should be Ok")
	}
	if n := sink.count(); n != 0 {
		t.Errorf("receipts admitted = %d, want 0", n)
	}
}
