// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline wires the accountability pipeline end to end:
// record batches are scored for entropy anomalies, tested against the
// fraud signature library, and indexed for cross-source correlation;
// every finding is sealed into the hash-chained receipt ledger; the
// Merkle anchorer checkpoints the chain; and the stoprule policy
// watches every stage, closing the append gate when an integrity or
// fairness bound is breached.
//
// The Service is the unit the gateway and the CLI drive. It owns the
// wiring, not the policy: every threshold comes from the deployment
// config, and every component keeps its own package-level contract.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianProof/services/pipeline/anchor"
	"github.com/AleutianAI/AleutianProof/services/pipeline/config"
	"github.com/AleutianAI/AleutianProof/services/pipeline/correlate"
	"github.com/AleutianAI/AleutianProof/services/pipeline/detect"
	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
	"github.com/AleutianAI/AleutianProof/services/pipeline/health"
	"github.com/AleutianAI/AleutianProof/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianProof/services/pipeline/patterns"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
	"github.com/AleutianAI/AleutianProof/services/pipeline/stoprule"
	"github.com/AleutianAI/AleutianProof/services/pipeline/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownProcedure rejects a rollback request naming a procedure
	// outside the audited set.
	ErrUnknownProcedure = errors.New("pipeline: unknown rollback procedure")

	// ErrProcedureRefused rejects a rollback procedure whose entry
	// conditions are not met; the refusal reason is attached.
	ErrProcedureRefused = errors.New("pipeline: rollback procedure refused")

	// ErrNoRestorePoint means a full rollback was requested but no
	// usable anchor manifest exists.
	ErrNoRestorePoint = errors.New("pipeline: no anchor restore point")

	// ErrCompactionRefused rejects compaction while the pipeline is
	// anywhere but NORMAL.
	ErrCompactionRefused = errors.New("pipeline: compaction requires NORMAL state")

	// ErrNotAnchored means an inclusion proof was requested for a
	// receipt no anchor covers yet.
	ErrNotAnchored = errors.New("pipeline: receipt not covered by any anchor")
)

// =============================================================================
// Records and results
// =============================================================================

// Record is one parsed source record ready for the pipeline.
type Record struct {
	// SubjectID names the vendor, agency, or enrollee the record is
	// about. Required.
	SubjectID string

	// Data is the canonical serialization scored for entropy and
	// hashed into pattern-match receipts. Required.
	Data []byte

	// Fields holds the parsed fields evaluated against the fraud
	// signature library. Nil skips pattern matching for this record.
	Fields map[string]any

	// EntityKey indexes the record for cross-source correlation.
	// Empty skips correlation.
	EntityKey string

	// Identity carries the comparable identity facets for correlation.
	// Only read when EntityKey is set.
	Identity correlate.SourceRecord
}

// Batch is one ingestion unit from a single source.
type Batch struct {
	// Source names the upstream system, e.g. "checkbook" or "puco".
	Source string

	// Records are the successfully parsed records.
	Records []Record

	// ParseFailures counts records the upstream parser dropped. Feeds
	// the parse-accuracy bound.
	ParseFailures int
}

// BatchResult reports what one batch produced.
type BatchResult struct {
	BatchID      string
	Source       string
	Appended     int
	Scores       []detect.AnomalyScore
	Flagged      int
	PatternHits  []patterns.MatchDetail
	Correlations []correlate.CorrelationMatch
}

// =============================================================================
// Service
// =============================================================================

const (
	// defaultAdjustStep is how far one rate-limited adjustment raises
	// the correlation flag threshold.
	defaultAdjustStep = 0.02

	// watchWindow bounds how far back the watchdog's chain and shape
	// checks look on each sweep.
	watchWindow = 256
)

// Service is the assembled pipeline.
//
// # Thread Safety
//
// Safe for concurrent use. The ledger serializes appends; every other
// component is either immutable after construction or internally
// synchronized.
type Service struct {
	cfg      config.Config
	emitter  *receipt.Emitter
	ledger   *ledger.Ledger
	policy   *stoprule.Policy
	anchorer *anchor.Anchorer
	scorer   *detect.Scorer
	growth   *detect.GrowthAnalyzer
	corr     *correlate.Engine
	patterns *patterns.Engine
	watchdog *health.Watchdog
	metrics  *telemetry.PipelineMetrics
	logger   *slog.Logger

	adjustStep float64
	policyOpts []stoprule.PolicyOption
	extraKinds []domainKind

	// ownedStore is closed by Close when the service opened its own
	// store; nil when the store was injected.
	ownedStore *ledger.BadgerStore
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger. Defaults to slog.Default().
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAdjustStep overrides how far each rate-limited adjustment raises
// the correlation flag threshold. Ignored outside (0, 1).
func WithAdjustStep(step float64) ServiceOption {
	return func(s *Service) {
		if step > 0 && step < 1 {
			s.adjustStep = step
		}
	}
}

// WithMetrics injects the prometheus collectors. Defaults to the
// package-wide set.
func WithMetrics(m *telemetry.PipelineMetrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPolicyOptions appends extra stoprule policy options, applied
// after the config-derived thresholds.
func WithPolicyOptions(opts ...stoprule.PolicyOption) ServiceOption {
	return func(s *Service) {
		s.policyOpts = append(s.policyOpts, opts...)
	}
}

// domainKind is one receipt kind registered by a domain module.
type domainKind struct {
	kind receipt.Kind
	keys []string
}

// WithReceiptKind registers a domain module's receipt kind, with its
// required payload keys, before the kind registry seals. Domain
// receipts append through AppendReceipt.
func WithReceiptKind(kind receipt.Kind, requiredKeys ...string) ServiceOption {
	return func(s *Service) {
		s.extraKinds = append(s.extraKinds, domainKind{kind: kind, keys: requiredKeys})
	}
}

// chainSink adapts the ledger for collaborators constructed before it.
// The policy must exist before the ledger (it is the ledger's gate),
// but its receipts land on the ledger; the sink closes that loop.
type chainSink struct {
	chain *ledger.Ledger
}

func (c *chainSink) Append(ctx context.Context, d receipt.Draft) (receipt.Receipt, error) {
	if c.chain == nil {
		return receipt.Receipt{}, errors.New("pipeline: sink not bound")
	}
	return c.chain.Append(ctx, d)
}

// New assembles a pipeline over an injected receipt store.
//
// # Description
//
// Validates the config, builds every component with config-derived
// thresholds, and wires the circular dependency between the stoprule
// policy and the ledger: the policy gates appends, and its transition
// receipts are themselves appends. If an anchor manifest already
// exists at the configured path, anchoring resumes from its restore
// point instead of re-anchoring history.
//
// # Inputs
//
//   - ctx: used for the one-time pattern library load.
//   - cfg: deployment configuration; must validate.
//   - store: receipt persistence; the caller keeps ownership.
//
// # Outputs
//
//   - *Service: the assembled pipeline, not yet started.
//   - error: invalid config, nil store, or a pattern library that
//     fails compilation.
func New(ctx context.Context, cfg config.Config, store ledger.Store, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("pipeline: store is required")
	}

	s := &Service{
		cfg:        cfg,
		logger:     slog.Default(),
		adjustStep: defaultAdjustStep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		telemetry.InitMetrics()
		s.metrics = telemetry.DefaultMetrics
	}

	// Domain kinds register before the seal; the kind set is immutable
	// once the pipeline can append.
	registry := receipt.NewKindRegistry()
	for _, dk := range s.extraKinds {
		if err := registry.Register(dk.kind, dk.keys...); err != nil {
			return nil, fmt.Errorf("register receipt kind %s: %w", dk.kind, err)
		}
	}
	registry.Seal()
	s.emitter = receipt.NewEmitter(receipt.NewDeploymentContext(cfg.TenantID), registry)

	s.corr = correlate.NewEngine(
		correlate.WithThreshold(cfg.Correlation.FlagThreshold),
		correlate.WithEngineLogger(s.logger),
	)

	sink := &chainSink{}
	policyOpts := append([]stoprule.PolicyOption{
		stoprule.WithThresholds(cfg.Thresholds()),
		stoprule.WithPolicyLogger(s.logger),
		stoprule.WithAdjustFunc(s.adjustCorrelationThreshold),
	}, s.policyOpts...)
	policy, err := stoprule.NewPolicy(s.emitter, sink, policyOpts...)
	if err != nil {
		return nil, fmt.Errorf("build stoprule policy: %w", err)
	}
	s.policy = policy

	l, err := ledger.New(store, ledger.WithGate(policy), ledger.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	s.ledger = l
	sink.chain = l

	anchorOpts := []anchor.Option{
		anchor.WithBatchSize(cfg.Anchor.BatchSize),
		anchor.WithInterval(cfg.Anchor.Interval()),
		anchor.WithManifest(cfg.ManifestPath()),
		anchor.WithLogger(s.logger),
	}
	if m, err := ledger.ReadManifest(cfg.ManifestPath()); err == nil {
		anchorOpts = append(anchorOpts, anchor.WithResumeFrom(m.AnchorSeq))
		s.logger.Info("resuming anchoring from manifest",
			slog.Uint64("anchor_seq", m.AnchorSeq),
			slog.String("path", cfg.ManifestPath()))
	}
	anchorer, err := anchor.NewAnchorer(l, s.emitter, anchorOpts...)
	if err != nil {
		return nil, fmt.Errorf("build anchorer: %w", err)
	}
	s.anchorer = anchorer

	s.scorer = detect.NewScorer(
		detect.WithBoundaries(cfg.Detection.LegitimateMax, cfg.Detection.SuspiciousMax, cfg.Detection.EscalatedMax),
		detect.WithScorerLogger(s.logger),
	)
	s.growth = detect.NewGrowthAnalyzer(
		detect.WithGrowthThresholds(cfg.Growth.AlertMultiplier, cfg.Growth.CriticalMultiplier),
		detect.WithGrowthLogger(s.logger),
	)

	patRegistry, err := patterns.GetRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pattern library: %w", err)
	}
	patEngine, err := patterns.NewEngine(patRegistry, patterns.WithEngineLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("build pattern engine: %w", err)
	}
	s.patterns = patEngine

	watchdog, err := health.NewWatchdog(s.emitter, l, func() string { return policy.State().String() },
		health.WithChecks(
			health.HashCheck(),
			health.VerifierCheck("chain", s.verifyRecent),
			s.receiptShapeCheck(),
			s.registryCheck(),
		),
		health.WithWatchdogLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build watchdog: %w", err)
	}
	s.watchdog = watchdog

	return s, nil
}

// Open assembles a pipeline over a Badger store at the configured data
// directory. Close releases the store.
func Open(ctx context.Context, cfg config.Config, opts ...ServiceOption) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	bcfg := ledger.DefaultBadgerConfig()
	bcfg.Path = cfg.LedgerDir()
	store, err := ledger.OpenBadger(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open receipt store: %w", err)
	}
	s, err := New(ctx, cfg, store, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.ownedStore = store
	return s, nil
}

// Start launches the background anchoring loop.
func (s *Service) Start() { s.anchorer.Start() }

// Close stops background work and releases the store if Open created
// it. Safe after a failed Start.
func (s *Service) Close() error {
	s.anchorer.Stop()
	if s.ownedStore != nil {
		return s.ownedStore.Close()
	}
	return nil
}

// adjustCorrelationThreshold is the policy's corrective action for a
// false-positive breach: raise the correlation flag threshold one step
// so fewer borderline matches surface. Classification boundaries are
// never touched.
func (s *Service) adjustCorrelationThreshold(ctx context.Context) error {
	s.corr.SetThreshold(s.corr.Threshold() + s.adjustStep)
	return nil
}

// =============================================================================
// Ingestion
// =============================================================================

// ProcessBatch runs one source batch through the full pipeline.
//
// # Description
//
// Seals an ingest receipt, scores every record for entropy anomalies,
// evaluates the fraud signature library, and indexes records for
// cross-source correlation, emitting a receipt for every finding. The
// stoprule policy observes parse accuracy, detection latency, and
// ingest latency (both latencies normalized per 10K records). If an
// observation closes the append gate mid-batch — a flagged
// correlation escalates, for instance — processing stops and the
// partial result is returned with the gate error.
//
// # Inputs
//
//   - ctx: cancels scoring between record boundaries.
//   - batch: the parsed records plus the upstream parse-failure count.
//
// # Outputs
//
//   - *BatchResult: everything produced before any gate closure.
//   - error: gate errors (stoprule.ErrHalted, stoprule.ErrEscalated),
//     cancellation, or append failures.
func (s *Service) ProcessBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	if err := s.policy.AllowAppend(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &BatchResult{
		BatchID: uuid.NewString(),
		Source:  batch.Source,
	}

	if _, err := s.appendReceipt(ctx, receipt.KindIngest, receipt.IngestPayload{
		Source:      batch.Source,
		RecordCount: len(batch.Records),
		BatchID:     result.BatchID,
	}); err != nil {
		return nil, fmt.Errorf("ingest receipt: %w", err)
	}
	result.Appended++

	if total := len(batch.Records) + batch.ParseFailures; total > 0 {
		s.policy.ObserveParseAccuracy(ctx, float64(len(batch.Records))/float64(total))
	}

	if len(batch.Records) == 0 {
		s.policy.ObserveIngestLatency(ctx, per10K(time.Since(start), 1))
		return result, nil
	}

	detectStart := time.Now()
	scores, err := s.scorer.ScoreBatch(ctx, detectRecords(batch.Records))
	if err != nil {
		return result, err
	}
	s.metrics.IngestDurationSeconds.Observe(time.Since(detectStart).Seconds())
	s.policy.ObserveDetectionLatency(ctx, per10K(time.Since(detectStart), len(batch.Records)))
	result.Scores = scores

	for _, sc := range scores {
		s.metrics.ScoresTotal.WithLabelValues(string(sc.Classification)).Inc()
		if _, err := s.appendReceipt(ctx, receipt.KindCompression, receipt.CompressionPayload{
			SubjectID:        sc.SubjectID,
			EntropyBits:      sc.EntropyBits,
			CompressionRatio: sc.CompressionRatio,
			Classification:   string(sc.Classification),
			Escalated:        sc.Escalated,
		}); err != nil {
			return result, fmt.Errorf("compression receipt for %s: %w", sc.SubjectID, err)
		}
		result.Appended++

		if sc.Classification == detect.ClassLegitimate {
			continue
		}
		result.Flagged++
		if _, err := s.appendReceipt(ctx, receipt.KindAnomaly, receipt.AnomalyPayload{
			SubjectID:        sc.SubjectID,
			Classification:   string(sc.Classification),
			CompressionRatio: sc.CompressionRatio,
			EntropyBits:      sc.EntropyBits,
			Escalated:        sc.Escalated,
		}); err != nil {
			return result, fmt.Errorf("anomaly receipt for %s: %w", sc.SubjectID, err)
		}
		result.Appended++
	}

	for _, rec := range batch.Records {
		if rec.Fields == nil {
			continue
		}
		all := s.patterns.MatchAll(ctx, patterns.Record(rec.Fields))
		if !all.AnyMatched {
			continue
		}
		best := bestDetail(all)
		result.PatternHits = append(result.PatternHits, best)
		s.metrics.PatternMatchesTotal.WithLabelValues(best.PatternID).Inc()
		if _, err := s.appendReceipt(ctx, receipt.KindPatternMatch, receipt.PatternMatchPayload{
			PatternID:  best.PatternID,
			RecordHash: hashing.Digest(rec.Data),
			Score:      best.Score,
			Matched:    len(best.MatchedIndicators),
			Total:      best.TotalIndicators,
			Flagged:    true,
		}); err != nil {
			return result, fmt.Errorf("pattern receipt for %s: %w", rec.SubjectID, err)
		}
		result.Appended++
	}

	touched := make(map[string]bool)
	for _, rec := range batch.Records {
		if rec.EntityKey == "" {
			continue
		}
		s.corr.Add(rec.EntityKey, batch.Source, rec.Identity)
		touched[rec.EntityKey] = true
	}
	for key := range touched {
		match, err := s.corr.CorrelateEntity(key)
		if errors.Is(err, correlate.ErrInsufficientSources) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("correlate %s: %w", key, err)
		}
		if !match.Flagged {
			continue
		}
		result.Correlations = append(result.Correlations, match)
		s.metrics.CorrelationFlagsTotal.Inc()
		if _, err := s.appendReceipt(ctx, receipt.KindCorrelation, correlationPayload(match)); err != nil {
			return result, fmt.Errorf("correlation receipt for %s: %w", key, err)
		}
		result.Appended++
		if _, fatal := s.policy.ObserveCorrelationFlag(ctx, key, match.Score).(stoprule.Fatal); fatal {
			return result, s.policy.AllowAppend()
		}
	}

	s.policy.ObserveIngestLatency(ctx, per10K(time.Since(start), len(batch.Records)))
	s.logger.Info("batch processed",
		slog.String("batch_id", result.BatchID),
		slog.String("source", batch.Source),
		slog.Int("records", len(batch.Records)),
		slog.Int("flagged", result.Flagged),
		slog.Int("receipts", result.Appended))
	return result, nil
}

// AppendReceipt seals one domain receipt on the chain. The kind must
// be a core kind or one registered with WithReceiptKind; anything else
// is rejected by schema validation. Domain modules produce their
// findings through this surface so every decision lands on the same
// chain the core audits.
func (s *Service) AppendReceipt(ctx context.Context, kind receipt.Kind, payload any) (receipt.Receipt, error) {
	return s.appendReceipt(ctx, kind, payload)
}

// ReportSourceFailure feeds one upstream fetch failure into the
// bounded retry tracker. The decision says whether to retry (with the
// backoff to wait) or that the budget is spent and the pipeline has
// halted.
func (s *Service) ReportSourceFailure(ctx context.Context, source string, cause error) stoprule.Decision {
	return s.policy.ObserveSourceFailure(ctx, source, cause)
}

// ReportSourceRecovered clears a source's retry budget after a
// successful fetch.
func (s *Service) ReportSourceRecovered(source string) {
	s.policy.ObserveSourceRecovered(source)
}

// =============================================================================
// Analysis
// =============================================================================

// AnalyzeGrowth measures period-over-period growth for one subject and
// seals a growth receipt. A critical rate is reported to the policy
// after the receipt lands, so the escalation paper trail follows the
// measurement it reacts to.
func (s *Service) AnalyzeGrowth(ctx context.Context, subjectID string, series []float64) (detect.GrowthReport, error) {
	report := s.growth.Analyze(ctx, subjectID, series)
	if _, err := s.appendReceipt(ctx, receipt.KindGrowth, receipt.GrowthPayload{
		SubjectID:  subjectID,
		GrowthRate: report.Rate,
		Periods:    len(series),
		Alert:      report.Alert,
		Critical:   report.Critical,
	}); err != nil {
		return report, fmt.Errorf("growth receipt for %s: %w", subjectID, err)
	}
	if report.Critical {
		s.policy.ObserveGrowth(ctx, subjectID, report.Rate)
	}
	return report, nil
}

// AnalyzeStructuring sweeps a subject's transaction amounts for
// clustering just under reporting thresholds. A clean sweep seals
// nothing; a flagged sweep seals an anomaly receipt naming the
// clustered thresholds.
func (s *Service) AnalyzeStructuring(ctx context.Context, subjectID string, amounts []float64) (detect.StructuringReport, error) {
	report := detect.DetectStructuring(amounts)
	if !report.Flagged {
		return report, nil
	}
	if _, err := s.appendReceipt(ctx, receipt.KindAnomaly, receipt.AnomalyPayload{
		SubjectID:      subjectID,
		Classification: string(detect.ClassSuspicious),
		Detail:         structuringDetail(report),
	}); err != nil {
		return report, fmt.Errorf("structuring receipt for %s: %w", subjectID, err)
	}
	s.logger.Warn("threshold structuring detected",
		slog.String("subject_id", subjectID),
		slog.Int("clusters", len(report.Clusters)))
	return report, nil
}

// CheckBias measures the flag-rate disparity across comparison groups.
// Within tolerance the measurement is sealed as a bias receipt; a
// violation goes straight to the policy, which halts and seals the
// evidence itself.
func (s *Service) CheckBias(ctx context.Context, groups map[string]float64) (detect.BiasReport, error) {
	report, err := detect.CheckBias(ctx, groups, s.cfg.SLO.BiasDisparityMax)
	var violation *detect.BiasViolationError
	if errors.As(err, &violation) {
		s.policy.ObserveBias(ctx, report.Disparity)
		return report, err
	}
	if err != nil {
		return report, err
	}
	if _, err := s.appendReceipt(ctx, receipt.KindBias, receipt.BiasPayload{
		Disparity: report.Disparity,
		Groups:    report.Rates,
	}); err != nil {
		return report, fmt.Errorf("bias receipt: %w", err)
	}
	return report, nil
}

// Sweep correlates every indexed entity and seals a receipt per kept
// match. Flagged matches are reported to the policy after their
// receipts land; the first escalation stops the sweep's appends.
func (s *Service) Sweep(ctx context.Context) ([]correlate.CorrelationMatch, error) {
	matches, err := s.corr.CorrelateAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, match := range matches {
		if _, err := s.appendReceipt(ctx, receipt.KindCorrelation, correlationPayload(match)); err != nil {
			return matches, fmt.Errorf("correlation receipt for %s: %w", match.EntityKey, err)
		}
		if !match.Flagged {
			continue
		}
		s.metrics.CorrelationFlagsTotal.Inc()
		if _, fatal := s.policy.ObserveCorrelationFlag(ctx, match.EntityKey, match.Score).(stoprule.Fatal); fatal {
			return matches, s.policy.AllowAppend()
		}
	}
	return matches, nil
}

// =============================================================================
// Verification and anchoring
// =============================================================================

// Verify checks the chain over [lo, hi]. A mismatch is reported to the
// stoprule policy, which halts the pipeline.
func (s *Service) Verify(ctx context.Context, lo, hi uint64) (bool, error) {
	start := time.Now()
	ok, err := s.ledger.Verify(ctx, lo, hi)
	s.metrics.VerifyDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	if !ok {
		s.policy.ObserveHashMismatch(ctx, fmt.Sprintf("chain verification failed in [%d, %d]", lo, hi))
	}
	return ok, nil
}

// VerifyAll checks the entire chain.
func (s *Service) VerifyAll(ctx context.Context) (bool, error) {
	tp, err := s.ledger.Tail()
	if errors.Is(err, ledger.ErrEmptyLedger) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.Verify(ctx, 0, tp.Sequence)
}

// Anchor cuts a Merkle anchor over the pending segment now. ok is
// false when nothing was pending.
func (s *Service) Anchor(ctx context.Context) (receipt.Receipt, bool, error) {
	r, ok, err := s.anchorer.AnchorNow(ctx)
	if ok {
		s.metrics.AppendsTotal.WithLabelValues(string(receipt.KindAnchor)).Inc()
		s.observeAnchorLag()
	}
	return r, ok, err
}

// VerifyAnchors recomputes every anchor receipt's Merkle root from
// current ledger contents. badSeq is the first anchor that fails.
func (s *Service) VerifyAnchors(ctx context.Context) (ok bool, badSeq uint64, err error) {
	res, err := s.ledger.QueryByKind(ctx, receipt.KindAnchor)
	if err != nil {
		return false, 0, err
	}
	ok, badSeq, err = anchor.VerifyAnchors(ctx, s.ledger, res.Receipts)
	if err != nil {
		return false, badSeq, err
	}
	if !ok {
		s.policy.ObserveHashMismatch(ctx, fmt.Sprintf("anchor root mismatch at sequence %d", badSeq))
	}
	return ok, badSeq, nil
}

// ReceiptProof is the portable inclusion evidence for one sealed
// receipt: its leaf hash, the sibling path to the covering anchor's
// root, and the anchor it proves against. Checkable offline with
// anchor.VerifyProof.
type ReceiptProof struct {
	Sequence   uint64                `json:"sequence"`
	Leaf       string                `json:"leaf"`
	AnchorSeq  uint64                `json:"anchor_sequence"`
	MerkleRoot string                `json:"merkle_root"`
	Path       []anchor.ProofElement `json:"path"`
}

// Prove builds the inclusion proof for the receipt at seq against the
// anchor covering it. Returns ErrNotAnchored when seq is newer than the
// last anchor (or the chain has never anchored). Proof reads are not
// receipted; like anchor verification they are integrity checks, not
// audit queries.
func (s *Service) Prove(ctx context.Context, seq uint64) (ReceiptProof, error) {
	res, err := s.ledger.QueryByKind(ctx, receipt.KindAnchor)
	if err != nil {
		return ReceiptProof{}, err
	}
	for _, a := range res.Receipts {
		var p receipt.AnchorPayload
		if a.Pruned || json.Unmarshal(a.Payload, &p) != nil {
			continue
		}
		if seq < p.RangeLo || seq > p.RangeHi {
			continue
		}
		leaf, path, root, err := anchor.InclusionProof(ctx, s.ledger, a, seq)
		if err != nil {
			return ReceiptProof{}, err
		}
		return ReceiptProof{
			Sequence:   seq,
			Leaf:       leaf,
			AnchorSeq:  a.Sequence,
			MerkleRoot: root,
			Path:       path,
		}, nil
	}
	return ReceiptProof{}, fmt.Errorf("%w: sequence %d", ErrNotAnchored, seq)
}

// verifyRecent is the watchdog's chain check: verify the last
// watchWindow receipts each sweep instead of the whole chain.
func (s *Service) verifyRecent(ctx context.Context) error {
	tp, err := s.ledger.Tail()
	if errors.Is(err, ledger.ErrEmptyLedger) {
		return nil
	}
	if err != nil {
		return err
	}
	lo := uint64(0)
	if tp.Sequence >= watchWindow {
		lo = tp.Sequence - watchWindow + 1
	}
	ok, err := s.Verify(ctx, lo, tp.Sequence)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w in [%d, %d]", ledger.ErrHashMismatch, lo, tp.Sequence)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// QueryRequest selects receipts by kind, by time range, or everything
// when empty.
type QueryRequest struct {
	Kind receipt.Kind
	From time.Time
	To   time.Time
}

// Query reads receipts and seals a query receipt so reads leave an
// audit trail. While the gate is closed the read still works; the
// audit record is skipped with a warning, since nothing may append.
func (s *Service) Query(ctx context.Context, req QueryRequest) (ledger.QueryResult, error) {
	var (
		res    ledger.QueryResult
		err    error
		qtype  string
		filter string
	)
	switch {
	case req.Kind != "":
		qtype, filter = "by_kind", string(req.Kind)
		res, err = s.ledger.QueryByKind(ctx, req.Kind)
	case !req.From.IsZero() || !req.To.IsZero():
		qtype = "by_time"
		filter = fmt.Sprintf("%s..%s", req.From.UTC().Format(time.RFC3339), req.To.UTC().Format(time.RFC3339))
		res, err = s.ledger.QueryByTimeRange(ctx, req.From, req.To)
	default:
		qtype = "all"
		res, err = s.queryAll(ctx)
	}
	if err != nil {
		return res, err
	}

	if _, aerr := s.appendReceipt(ctx, receipt.KindQuery, receipt.QueryPayload{
		QueryType: qtype,
		Filter:    filter,
		Total:     res.Total,
		Matching:  res.Matching,
	}); aerr != nil {
		s.logger.Warn("query not receipted",
			slog.String("query_type", qtype),
			slog.String("error", aerr.Error()))
	}
	return res, nil
}

func (s *Service) queryAll(ctx context.Context) (ledger.QueryResult, error) {
	tp, err := s.ledger.Tail()
	if errors.Is(err, ledger.ErrEmptyLedger) {
		return ledger.QueryResult{}, nil
	}
	if err != nil {
		return ledger.QueryResult{}, err
	}
	rs, err := s.ledger.Range(ctx, 0, tp.Sequence)
	if err != nil {
		return ledger.QueryResult{}, err
	}
	return ledger.QueryResult{Receipts: rs, Total: len(rs), Matching: len(rs)}, nil
}

// =============================================================================
// Compaction
// =============================================================================

// Compact prunes payload bodies older than cutoff, first sealing a
// compaction receipt that preserves the pre-compaction chain root so
// continuity stays checkable afterward. Runs only in NORMAL state,
// and re-anchors once the compaction receipt is on the chain.
func (s *Service) Compact(ctx context.Context, cutoff time.Time) (ledger.CompactionSummary, error) {
	if st := s.policy.State(); st != stoprule.StateNormal {
		return ledger.CompactionSummary{}, fmt.Errorf("%w: state is %s", ErrCompactionRefused, st)
	}
	tp, err := s.ledger.Tail()
	if errors.Is(err, ledger.ErrEmptyLedger) {
		return ledger.CompactionSummary{}, nil
	}
	if err != nil {
		return ledger.CompactionSummary{}, err
	}

	segment, err := s.ledger.Range(ctx, 0, tp.Sequence)
	if err != nil {
		return ledger.CompactionSummary{}, err
	}
	leaves := make([]string, len(segment))
	for i, r := range segment {
		leaves[i] = r.PayloadHash
	}
	beforeRoot := anchor.Root(leaves)

	summary, err := s.ledger.Compact(ctx, cutoff, nil)
	if err != nil {
		return summary, err
	}

	counts := make(map[receipt.Kind]int, len(summary.CountsByKind))
	for k, n := range summary.CountsByKind {
		counts[k] = n
	}
	if _, err := s.appendReceipt(ctx, receipt.KindCompaction, receipt.CompactionPayload{
		Compacted:    summary.Compacted,
		Preserved:    summary.Preserved,
		BeforeRoot:   beforeRoot,
		CountsByKind: counts,
		Cutoff:       cutoff.UTC().Format(time.RFC3339),
	}); err != nil {
		return summary, fmt.Errorf("compaction receipt: %w", err)
	}
	if _, _, err := s.Anchor(ctx); err != nil {
		return summary, fmt.Errorf("re-anchor after compaction: %w", err)
	}
	return summary, nil
}

// =============================================================================
// Rollback procedures
// =============================================================================

// RollbackRequest names one audited recovery procedure.
type RollbackRequest struct {
	// Procedure is one of manual_clear, threshold_adjustment,
	// model_rollback, full_rollback.
	Procedure string

	// Reason is recorded in the rollback receipt.
	Reason string

	// NewThreshold is the corrected correlation flag threshold for
	// threshold_adjustment; zero applies one default step.
	NewThreshold float64

	// ToVersion names the pattern library version being restored for
	// model_rollback.
	ToVersion string
}

// RollbackResult reports what a recovery procedure did.
type RollbackResult struct {
	Procedure  string
	RestoreSeq uint64
	Discarded  uint64
	Receipt    receipt.Receipt
}

// Rollback runs one audited recovery procedure.
//
// # Description
//
// Every procedure ends with a rollback receipt on the reopened chain:
//
//   - manual_clear: full-chain verification must pass, then the gate
//     reopens. No data changes.
//   - threshold_adjustment: the corrective DEGRADED path; sets the
//     correlation flag threshold and leaves the state machine to
//     recover when the improved metric is next observed.
//   - model_rollback: records the decision to restore a prior pattern
//     library version; the registry itself is immutable for the
//     process lifetime, so the receipt is the handoff to a redeploy.
//   - full_rollback: verifies the manifest's anchored root, truncates
//     the chain to that anchor, and reopens the gate. Anchoring
//     resumes from the restore point naturally, because the restored
//     tail is the last anchor itself.
//
// # Inputs
//
//   - ctx: cancellation context.
//   - req: procedure name plus its arguments.
//
// # Outputs
//
//   - RollbackResult: what happened, including the sealed receipt.
//   - error: ErrUnknownProcedure, ErrProcedureRefused (entry
//     conditions unmet), ErrNoRestorePoint, or verification/store
//     failures. Refusals leave all state untouched.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (RollbackResult, error) {
	result := RollbackResult{Procedure: req.Procedure}

	switch req.Procedure {
	case "manual_clear":
		if !s.gateClosed() {
			return result, fmt.Errorf("%w: manual_clear requires HALTED or ESCALATED, state is %s",
				ErrProcedureRefused, s.policy.State())
		}
		ok, err := s.VerifyAll(ctx)
		if err != nil {
			return result, fmt.Errorf("pre-clear verification: %w", err)
		}
		if !ok {
			return result, fmt.Errorf("%w: chain verification failed; clear the cause first", ErrProcedureRefused)
		}
		if err := s.policy.Clear(ctx, req.Reason); err != nil {
			return result, err
		}

	case "threshold_adjustment":
		st := s.policy.State()
		if st == stoprule.StateHalted {
			return result, fmt.Errorf("%w: threshold_adjustment cannot recover a HALTED pipeline", ErrProcedureRefused)
		}
		if st == stoprule.StateEscalated {
			if err := s.policy.Clear(ctx, req.Reason); err != nil {
				return result, err
			}
		}
		if req.NewThreshold > 0 {
			s.corr.SetThreshold(req.NewThreshold)
		} else {
			s.corr.SetThreshold(s.corr.Threshold() + s.adjustStep)
		}

	case "model_rollback":
		if req.ToVersion == "" {
			return result, fmt.Errorf("%w: model_rollback requires the version to restore", ErrProcedureRefused)
		}
		if s.gateClosed() {
			if err := s.policy.Clear(ctx, req.Reason); err != nil {
				return result, err
			}
		}
		req.Reason = fmt.Sprintf("restore pattern library %s (from %s): %s",
			req.ToVersion, s.patterns.Registry().Version(), req.Reason)

	case "full_rollback":
		if !s.gateClosed() {
			return result, fmt.Errorf("%w: full_rollback requires HALTED or ESCALATED, state is %s",
				ErrProcedureRefused, s.policy.State())
		}
		m, err := ledger.ReadManifest(s.cfg.ManifestPath())
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrNoRestorePoint, err)
		}
		anchorReceipt, err := s.ledger.Get(ctx, m.AnchorSeq)
		if err != nil {
			return result, fmt.Errorf("load restore anchor %d: %w", m.AnchorSeq, err)
		}
		ok, err := anchor.VerifyAnchor(ctx, s.ledger, anchorReceipt)
		if err != nil {
			return result, fmt.Errorf("verify restore anchor %d: %w", m.AnchorSeq, err)
		}
		if !ok {
			return result, fmt.Errorf("%w: anchored root does not reproduce at %d", ErrProcedureRefused, m.AnchorSeq)
		}
		discarded, err := s.ledger.Rollback(ctx, m.AnchorSeq)
		if err != nil {
			return result, fmt.Errorf("truncate to %d: %w", m.AnchorSeq, err)
		}
		result.RestoreSeq = m.AnchorSeq
		result.Discarded = discarded
		if err := s.policy.Clear(ctx, req.Reason); err != nil {
			return result, err
		}

	default:
		return result, fmt.Errorf("%w: %q", ErrUnknownProcedure, req.Procedure)
	}

	r, err := s.appendReceipt(ctx, receipt.KindRollback, receipt.RollbackPayload{
		Procedure:  req.Procedure,
		RestoreSeq: result.RestoreSeq,
		Discarded:  result.Discarded,
		Reason:     req.Reason,
	})
	if err != nil {
		return result, fmt.Errorf("rollback receipt: %w", err)
	}
	result.Receipt = r
	s.logger.Warn("rollback procedure completed",
		slog.String("procedure", req.Procedure),
		slog.Uint64("restore_seq", result.RestoreSeq),
		slog.Uint64("discarded", result.Discarded))
	return result, nil
}

func (s *Service) gateClosed() bool {
	st := s.policy.State()
	return st == stoprule.StateHalted || st == stoprule.StateEscalated
}

// =============================================================================
// Health
// =============================================================================

// Health assembles the snapshot the supervisor polls: policy state,
// chain tail, and anchor freshness. When the process has not anchored
// yet, the manifest on disk supplies the last restore point.
func (s *Service) Health(ctx context.Context) health.Snapshot {
	now := time.Now().UTC()
	snap := health.Snapshot{
		State:     s.policy.State().String(),
		Receipts:  s.ledger.Len(),
		CheckedAt: now,
	}
	if tp, err := s.ledger.Tail(); err == nil {
		snap.TailSequence = tp.Sequence
	}

	if seq, at, ok := s.anchorer.LastAnchor(); ok {
		snap.LastAnchorSeq = seq
		snap.LastAnchorTime = at
	} else if m, err := ledger.ReadManifest(s.cfg.ManifestPath()); err == nil {
		snap.LastAnchorSeq = m.AnchorSeq
		snap.LastAnchorTime = m.UpdatedAt
	}

	if _, _, n, ok := s.anchorer.Pending(); ok {
		snap.AnchorLag = uint64(n)
	}
	snap.AnchorFresh = health.AnchorFreshness(snap.AnchorLag, s.cfg.Anchor.BatchSize,
		snap.LastAnchorTime, s.cfg.Anchor.Interval(), now)
	snap.Healthy = snap.Operational()

	s.metrics.AnchorLagReceipts.Set(float64(snap.AnchorLag))
	s.metrics.ChainLength.Set(float64(snap.Receipts))
	return snap
}

// Watchdog returns the health sweeper wired over this pipeline.
func (s *Service) Watchdog() *health.Watchdog { return s.watchdog }

// State returns the stoprule state name.
func (s *Service) State() string { return s.policy.State().String() }

// PatternRegistry exposes the immutable signature library for listing.
func (s *Service) PatternRegistry() *patterns.Registry { return s.patterns.Registry() }

// CorrelationThreshold returns the flag threshold currently in force.
func (s *Service) CorrelationThreshold() float64 { return s.corr.Threshold() }

// receiptShapeCheck scans the most recent receipts for envelope
// damage: a stored receipt missing its kind, tenant, timestamps, or a
// well-formed dual hash. Any hit is reported to the policy, which
// halts.
func (s *Service) receiptShapeCheck() health.Check {
	return func(ctx context.Context) health.CheckResult {
		res := health.CheckResult{Module: "receipt_shape", Healthy: true}
		tp, err := s.ledger.Tail()
		if errors.Is(err, ledger.ErrEmptyLedger) {
			return res
		}
		if err != nil {
			res.Healthy = false
			res.Issues = []string{err.Error()}
			return res
		}
		lo := uint64(0)
		if tp.Sequence >= watchWindow {
			lo = tp.Sequence - watchWindow + 1
		}
		rs, err := s.ledger.Range(ctx, lo, tp.Sequence)
		if err != nil {
			res.Healthy = false
			res.Issues = []string{err.Error()}
			return res
		}
		for _, r := range rs {
			if issue := storedShapeIssue(r); issue != "" {
				s.policy.ObserveMalformedReceipt(ctx, issue)
				res.Healthy = false
				res.Issues = append(res.Issues, issue)
			}
		}
		return res
	}
}

func (s *Service) registryCheck() health.Check {
	return func(ctx context.Context) health.CheckResult {
		res := health.CheckResult{Module: "patterns", Healthy: true}
		if s.patterns.Registry().Len() == 0 {
			res.Healthy = false
			res.Issues = []string{"pattern library is empty"}
		}
		return res
	}
}

// =============================================================================
// Helpers
// =============================================================================

// appendReceipt emits and seals one receipt, keeping the append
// metrics and the anchorer's pending counter current.
func (s *Service) appendReceipt(ctx context.Context, kind receipt.Kind, payload any) (receipt.Receipt, error) {
	d, err := s.emitter.Emit(kind, payload)
	if err != nil {
		return receipt.Receipt{}, err
	}
	start := time.Now()
	r, err := s.ledger.Append(ctx, d)
	if err != nil {
		return receipt.Receipt{}, err
	}
	s.metrics.AppendsTotal.WithLabelValues(string(kind)).Inc()
	s.metrics.AppendDurationSeconds.Observe(time.Since(start).Seconds())
	s.anchorer.Notify(r.Sequence)
	s.observeAnchorLag()
	return r, nil
}

func (s *Service) observeAnchorLag() {
	if _, _, n, ok := s.anchorer.Pending(); ok {
		s.metrics.AnchorLagReceipts.Set(float64(n))
	} else {
		s.metrics.AnchorLagReceipts.Set(0)
	}
	s.metrics.ChainLength.Set(float64(s.ledger.Len()))
}

func detectRecords(records []Record) []detect.Record {
	out := make([]detect.Record, len(records))
	for i, r := range records {
		out[i] = detect.Record{SubjectID: r.SubjectID, Data: r.Data}
	}
	return out
}

func correlationPayload(m correlate.CorrelationMatch) receipt.CorrelationPayload {
	return receipt.CorrelationPayload{
		EntityKey: m.EntityKey,
		SourceA:   m.SourceA,
		SourceB:   m.SourceB,
		Score:     m.Score,
		Basis:     m.Basis,
		Flagged:   m.Flagged,
	}
}

// structuringDetail renders a flagged structuring report for the
// anomaly receipt's detail line.
func structuringDetail(report detect.StructuringReport) string {
	parts := make([]string, 0, len(report.Clusters))
	for _, c := range report.Clusters {
		parts = append(parts, fmt.Sprintf("%d amounts within 10%% under %.0f (total %.2f)",
			c.Count, c.Threshold, c.TotalAmount))
	}
	return "threshold structuring: " + strings.Join(parts, "; ")
}

// storedShapeIssue reports the first envelope defect in a stored
// receipt, or "" when the shape is sound. Chain verification proves the
// stored bytes are the appended bytes; this proves the appended bytes
// form a receipt at all.
func storedShapeIssue(r receipt.Receipt) string {
	switch {
	case r.Kind == "":
		return fmt.Sprintf("receipt %d: missing kind", r.Sequence)
	case r.TenantID == "":
		return fmt.Sprintf("receipt %d: missing tenant", r.Sequence)
	case r.TS.IsZero():
		return fmt.Sprintf("receipt %d: missing timestamp", r.Sequence)
	case !hashing.Valid(r.PayloadHash):
		return fmt.Sprintf("receipt %d: malformed payload hash", r.Sequence)
	case !hashing.Valid(r.ChainHash):
		return fmt.Sprintf("receipt %d: malformed chain hash", r.Sequence)
	}
	return ""
}

// bestDetail returns the detail behind AllMatches.BestMatch.
func bestDetail(all patterns.AllMatches) patterns.MatchDetail {
	for _, d := range all.Details {
		if d.PatternID == all.BestMatch {
			return d
		}
	}
	return patterns.MatchDetail{}
}

// per10K normalizes a duration measured over n records to the SLO's
// per-10K-record basis.
func per10K(d time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(int64(d) * 10000 / int64(n))
}
