// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package receipt builds and validates the immutable records that make
// up the ledger. Every material pipeline event — an ingested batch, an
// anomaly score, a correlation flag, a stoprule transition — becomes a
// receipt before it is considered to have occurred.
//
// A receipt's envelope is:
//
//	{"receipt_type": "<kind>", "ts": "<RFC3339 UTC>", "tenant_id": "ohioproof",
//	 "payload_hash": "<sha256-hex>:<blake3-hex>"}
//
// plus sequence_number and chain_hash assigned by the ledger at append
// time. The Emitter produces Drafts; only the ledger turns a Draft into
// a Receipt, because only the ledger knows the current chain tail.
package receipt

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind is an enumerated receipt type. Unknown kinds are rejected by the
// Emitter with ErrSchemaValidation.
type Kind string

// Core receipt kinds. External domain modules register their own kinds
// through KindRegistry.Register before the registry is sealed.
const (
	KindIngest       Kind = "ingest_receipt"
	KindAnomaly      Kind = "anomaly_receipt"
	KindCompression  Kind = "compression_receipt"
	KindCorrelation  Kind = "correlation_receipt"
	KindPatternMatch Kind = "pattern_match_receipt"
	KindAnchor       Kind = "anchor_receipt"
	KindGrowth       Kind = "growth_receipt"
	KindBias         Kind = "bias_receipt"
	KindStoprule     Kind = "stoprule_receipt"
	KindRollback     Kind = "rollback_receipt"
	KindWatchdog     Kind = "watchdog_receipt"
	KindQuery        Kind = "query_receipt"
	KindCompaction   Kind = "compaction_receipt"
)

// =============================================================================
// Receipt and Draft
// =============================================================================

// Draft is an emitted, validated receipt that has not yet been
// appended. It carries everything except sequence_number and
// chain_hash.
type Draft struct {
	Kind        Kind            `json:"receipt_type"`
	TS          time.Time       `json:"ts"`
	MonoNS      int64           `json:"mono_ns"`
	TenantID    string          `json:"tenant_id"`
	PayloadHash string          `json:"payload_hash"`
	Payload     json.RawMessage `json:"payload"`
}

// Receipt is a draft sealed into the chain. Immutable after append;
// destroyed only by full ledger rollback. Compaction may prune the
// payload body (Pruned=true); the envelope and chain_hash are never
// touched.
type Receipt struct {
	Kind        Kind            `json:"receipt_type"`
	TS          time.Time       `json:"ts"`
	MonoNS      int64           `json:"mono_ns"`
	TenantID    string          `json:"tenant_id"`
	PayloadHash string          `json:"payload_hash"`
	Sequence    uint64          `json:"sequence_number"`
	ChainHash   string          `json:"chain_hash"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Pruned      bool            `json:"payload_pruned,omitempty"`
}

// envelope is the canonical serialization target. Field order is part
// of the chain format and must never change.
type envelope struct {
	Kind        Kind   `json:"receipt_type"`
	TS          string `json:"ts"`
	MonoNS      int64  `json:"mono_ns"`
	TenantID    string `json:"tenant_id"`
	PayloadHash string `json:"payload_hash"`
	Sequence    uint64 `json:"sequence_number"`
}

// CanonicalEnvelope returns the byte-exact serialization the chain hash
// covers: the envelope with the given sequence number, excluding
// chain_hash (a hash cannot cover itself) and the payload body (covered
// transitively via payload_hash).
func (d Draft) CanonicalEnvelope(sequence uint64) []byte {
	b, _ := json.Marshal(envelope{
		Kind:        d.Kind,
		TS:          d.TS.UTC().Format(time.RFC3339Nano),
		MonoNS:      d.MonoNS,
		TenantID:    d.TenantID,
		PayloadHash: d.PayloadHash,
		Sequence:    sequence,
	})
	return b
}

// CanonicalEnvelope returns the stored receipt's canonical bytes, used
// by chain verification to recompute chain_hash.
func (r Receipt) CanonicalEnvelope() []byte {
	return Draft{
		Kind:        r.Kind,
		TS:          r.TS,
		MonoNS:      r.MonoNS,
		TenantID:    r.TenantID,
		PayloadHash: r.PayloadHash,
	}.CanonicalEnvelope(r.Sequence)
}

// VerifyPayload reports whether the stored payload bytes still hash to
// payload_hash. False means the payload was mutated after append. A
// pruned payload has no body to check; the envelope hashes still cover
// payload_hash, so pruned receipts verify true.
func (r Receipt) VerifyPayload() bool {
	if r.Pruned {
		return true
	}
	if r.Payload == nil {
		// Payload-less receipts hash the empty payload.
		return hashing.Verify(nil, r.PayloadHash)
	}
	return hashing.Verify(r.Payload, r.PayloadHash)
}

// Wire is the four-field external form from the receipt wire format,
// used by the gateway and CLI when presenting receipts to collaborators.
type Wire struct {
	Kind        Kind   `json:"receipt_type"`
	TS          string `json:"ts"`
	TenantID    string `json:"tenant_id"`
	PayloadHash string `json:"payload_hash"`
}

// WireForm projects the receipt onto the external wire format.
func (r Receipt) WireForm() Wire {
	return Wire{
		Kind:        r.Kind,
		TS:          r.TS.UTC().Format(time.RFC3339Nano),
		TenantID:    r.TenantID,
		PayloadHash: r.PayloadHash,
	}
}

// =============================================================================
// Typed Payloads
// =============================================================================

// Typed payloads for the core kinds. Structs marshal in declaration
// order, which makes their canonical form stable without key sorting.
// Validation tags are enforced by the Emitter for struct payloads.

// IngestPayload records an accepted batch of raw records.
type IngestPayload struct {
	Source      string `json:"source" validate:"required"`
	RecordCount int    `json:"record_count" validate:"gte=0"`
	BatchID     string `json:"batch_id,omitempty"`
}

// CompressionPayload records an entropy/compression measurement.
type CompressionPayload struct {
	SubjectID        string  `json:"subject_id" validate:"required"`
	EntropyBits      float64 `json:"entropy_bits" validate:"gte=0"`
	CompressionRatio float64 `json:"compression_ratio" validate:"gte=0"`
	Classification   string  `json:"classification" validate:"required,oneof=legitimate suspicious fraudulent"`
	Escalated        bool    `json:"escalated"`
}

// AnomalyPayload records a flagged anomaly (suspicious or fraudulent
// classification, or a stoprule-driven anomaly event).
type AnomalyPayload struct {
	SubjectID        string  `json:"subject_id" validate:"required"`
	Classification   string  `json:"classification" validate:"required"`
	CompressionRatio float64 `json:"compression_ratio" validate:"gte=0"`
	EntropyBits      float64 `json:"entropy_bits" validate:"gte=0"`
	Escalated        bool    `json:"escalated"`
	Detail           string  `json:"detail,omitempty"`
}

// CorrelationPayload records a cross-source match at or above the
// correlation threshold (or a retained near-miss).
type CorrelationPayload struct {
	EntityKey string   `json:"entity_key" validate:"required"`
	SourceA   string   `json:"source_a" validate:"required"`
	SourceB   string   `json:"source_b" validate:"required"`
	Score     float64  `json:"correlation_score" validate:"gte=0,lte=1"`
	Basis     []string `json:"basis"`
	Flagged   bool     `json:"flagged"`
}

// PatternMatchPayload records one pattern evaluation.
type PatternMatchPayload struct {
	PatternID  string  `json:"pattern_id" validate:"required"`
	RecordHash string  `json:"record_hash" validate:"required,dualhash"`
	Score      float64 `json:"score" validate:"gte=0"`
	Matched    int     `json:"matched_indicators" validate:"gte=0"`
	Total      int     `json:"total_indicators" validate:"gte=0"`
	Flagged    bool    `json:"flagged"`
}

// AnchorPayload carries the Merkle root of a closed ledger segment.
type AnchorPayload struct {
	MerkleRoot string `json:"merkle_root" validate:"required,dualhash"`
	RangeLo    uint64 `json:"range_lo"`
	RangeHi    uint64 `json:"range_hi"`
	LeafCount  int    `json:"leaf_count" validate:"gte=0"`
}

// GrowthPayload records a growth-rate measurement over a series of
// aggregated amounts.
type GrowthPayload struct {
	SubjectID  string  `json:"subject_id" validate:"required"`
	GrowthRate float64 `json:"growth_rate" validate:"gte=0"`
	Periods    int     `json:"periods" validate:"gte=0"`
	Alert      bool    `json:"alert"`
	Critical   bool    `json:"critical"`
}

// BiasPayload records an outcome-disparity measurement across protected
// comparison groups.
type BiasPayload struct {
	Disparity float64            `json:"disparity" validate:"gte=0"`
	Groups    map[string]float64 `json:"groups" validate:"required,min=2"`
}

// StoprulePayload records a stoprule event: which rule fired, what was
// observed, and what the policy did about it.
type StoprulePayload struct {
	RuleID         int     `json:"rule_id" validate:"required"`
	TriggeredAt    string  `json:"triggered_at" validate:"required"`
	MetricObserved float64 `json:"metric_observed"`
	Threshold      float64 `json:"threshold"`
	Action         string  `json:"action_taken" validate:"required,oneof=retry halt escalate degrade adjust log"`
	FromState      string  `json:"from_state,omitempty"`
	ToState        string  `json:"to_state,omitempty"`
}

// RollbackPayload records an audited recovery operation.
type RollbackPayload struct {
	Procedure  string `json:"procedure" validate:"required,oneof=manual_clear threshold_adjustment model_rollback full_rollback"`
	RestoreSeq uint64 `json:"restore_seq"`
	Discarded  uint64 `json:"receipts_discarded"`
	Reason     string `json:"reason,omitempty"`
}

// WatchdogPayload records a supervisor health sweep.
type WatchdogPayload struct {
	Healthy bool            `json:"healthy"`
	State   string          `json:"state" validate:"required"`
	Checks  map[string]bool `json:"checks"`
}

// QueryPayload summarizes a ledger query for the audit trail.
type QueryPayload struct {
	QueryType string `json:"query_type" validate:"required"`
	Filter    string `json:"filter,omitempty"`
	Total     int    `json:"total_receipts" validate:"gte=0"`
	Matching  int    `json:"matching_receipts" validate:"gte=0"`
}

// CompactionPayload summarizes a compaction run, preserving the
// pre-compaction Merkle root so continuity remains checkable.
type CompactionPayload struct {
	Compacted    uint64       `json:"receipts_compacted"`
	Preserved    uint64       `json:"receipts_preserved"`
	BeforeRoot   string       `json:"before_root" validate:"required,dualhash"`
	CountsByKind map[Kind]int `json:"counts_by_kind"`
	Cutoff       string       `json:"cutoff,omitempty"`
}
