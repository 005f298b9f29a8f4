// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Integration test for the full accountability pipeline lifecycle
//
// This test walks one ledger through the complete operational story:
// clean ingest, anomalous ingest with a fraud-signature hit, a Merkle
// anchor restore point, tamper detection halting the gate, a full
// rollback to the anchor, a cross-source correlation escalation with
// manual sign-off, and a final audit of the receipt taxonomy.

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
	"github.com/AleutianAI/AleutianProof/services/pipeline/config"
	"github.com/AleutianAI/AleutianProof/services/pipeline/correlate"
	"github.com/AleutianAI/AleutianProof/services/pipeline/detect"
	"github.com/AleutianAI/AleutianProof/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
	"github.com/AleutianAI/AleutianProof/services/pipeline/stoprule"
)

// TestPipelineLifecycle is the main integration test. It runs against
// an in-memory store and a temp-dir manifest, so it needs no external
// services.
func TestPipelineLifecycle(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	// Hold the concrete store so the tamper step can reach under the
	// ledger the way an attacker with disk access would.
	store := ledger.NewMemoryStore()
	svc, err := pipeline.New(ctx, cfg, store)
	require.NoError(t, err)
	defer svc.Close()

	var anchorSeq uint64

	// Step 1: Clean ingest
	t.Log("Ingesting a clean checkbook batch...")
	t.Run("Clean_Ingest_Stays_Normal", func(t *testing.T) {
		result, err := svc.ProcessBatch(ctx, pipeline.Batch{
			Source: "checkbook",
			Records: []pipeline.Record{
				{SubjectID: "vendor-001", Data: structuredPayment(300)},
				{SubjectID: "vendor-002", Data: structuredPayment(250)},
			},
		})
		require.NoError(t, err)

		// One ingest receipt plus one compression receipt per record.
		assert.Equal(t, 3, result.Appended)
		assert.Equal(t, 0, result.Flagged)
		for _, sc := range result.Scores {
			assert.Equal(t, detect.ClassLegitimate, sc.Classification,
				"subject %s ratio %.3f", sc.SubjectID, sc.CompressionRatio)
		}
		assert.Equal(t, "NORMAL", svc.State())
	})

	// Step 2: Anomalous ingest
	t.Log("Ingesting a medicaid batch with a fabricated record...")
	t.Run("Anomalous_Batch_Flags_And_Matches_Patterns", func(t *testing.T) {
		result, err := svc.ProcessBatch(ctx, pipeline.Batch{
			Source: "medicaid",
			Records: []pipeline.Record{
				{SubjectID: "provider-100", Data: structuredPayment(200)},
				{
					SubjectID: "provider-101",
					Data:      fabricatedClaims(8192, 11),
					Fields:    map[string]any{"concurrent_months": 6},
				},
			},
		})
		require.NoError(t, err)

		// Ingest + two compression receipts + one anomaly receipt for
		// the flagged record + one pattern_match receipt for the hit.
		assert.Equal(t, 5, result.Appended)
		assert.Equal(t, 1, result.Flagged)
		require.Len(t, result.PatternHits, 1)
		assert.Equal(t, "concurrent_enrollment", result.PatternHits[0].PatternID)

		// A flagged record alone does not close the gate.
		assert.Equal(t, "NORMAL", svc.State())
	})

	// Step 3: Anchor
	t.Log("Cutting a Merkle anchor restore point...")
	t.Run("Anchor_Cuts_Restore_Point", func(t *testing.T) {
		r, ok, err := svc.Anchor(ctx)
		require.NoError(t, err)
		require.True(t, ok, "anchor should cover the pending segment")
		assert.Equal(t, receipt.KindAnchor, r.Kind)
		anchorSeq = r.Sequence

		m, err := ledger.ReadManifest(cfg.ManifestPath())
		require.NoError(t, err, "anchoring must write the manifest")
		assert.Equal(t, anchorSeq, m.AnchorSeq)
		assert.NotEmpty(t, m.AnchorRoot)

		ok, err = svc.VerifyAll(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		anchorsOK, badSeq, err := svc.VerifyAnchors(ctx)
		require.NoError(t, err)
		assert.True(t, anchorsOK, "anchor at %d should reproduce", badSeq)
	})

	// Step 4: Tamper
	t.Log("Rewriting a stored receipt payload behind the ledger's back...")
	t.Run("Tamper_Detection_Halts_Appends", func(t *testing.T) {
		// Seal a post-anchor batch first so the tamper and the
		// rollback both have something to discard.
		_, err := svc.ProcessBatch(ctx, pipeline.Batch{
			Source:  "checkbook",
			Records: []pipeline.Record{{SubjectID: "vendor-003", Data: structuredPayment(150)}},
		})
		require.NoError(t, err)

		tp, ok, err := store.Tail(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		victim, err := store.Get(ctx, tp.Sequence)
		require.NoError(t, err)
		victim.Payload = json.RawMessage(`{"subject_id":"vendor-003","amount":9999999}`)
		require.NoError(t, store.Replace(ctx, victim))

		ok, err = svc.VerifyAll(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "verification must notice the rewritten payload")
		assert.Equal(t, "HALTED", svc.State())

		_, err = svc.ProcessBatch(ctx, pipeline.Batch{
			Source:  "checkbook",
			Records: []pipeline.Record{{SubjectID: "vendor-004", Data: structuredPayment(100)}},
		})
		assert.ErrorIs(t, err, stoprule.ErrHalted)
	})

	// Step 5: Restore
	t.Log("Running full_rollback to the anchored restore point...")
	t.Run("Full_Rollback_Restores_Anchor", func(t *testing.T) {
		res, err := svc.Rollback(ctx, pipeline.RollbackRequest{
			Procedure: "full_rollback",
			Reason:    "tampered receipt found during verification",
		})
		require.NoError(t, err)

		assert.Equal(t, anchorSeq, res.RestoreSeq)
		assert.GreaterOrEqual(t, res.Discarded, uint64(2),
			"the post-anchor batch and the tampered receipt must go")
		assert.Equal(t, receipt.KindRollback, res.Receipt.Kind)
		// Clearing the gate seals its own stoprule receipt at
		// anchorSeq+1; the rollback receipt follows it.
		assert.Equal(t, anchorSeq+2, res.Receipt.Sequence)

		ok, err := svc.VerifyAll(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "the restored chain must verify end to end")
		assert.Equal(t, "NORMAL", svc.State())

		// Appends resume on the restored chain.
		_, err = svc.ProcessBatch(ctx, pipeline.Batch{
			Source:  "checkbook",
			Records: []pipeline.Record{{SubjectID: "vendor-005", Data: structuredPayment(120)}},
		})
		require.NoError(t, err)
	})

	// Step 6: Correlation
	t.Log("Feeding the same identity from two sources...")
	t.Run("Correlation_Escalates_And_Clears", func(t *testing.T) {
		when := time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)
		identity := correlate.SourceRecord{
			Name:       "Maple Grove Holdings LLC",
			Identifier: "31-4415926",
			Amount:     250000,
			Timestamp:  when,
			City:       "Columbus",
			State:      "OH",
		}

		_, err := svc.ProcessBatch(ctx, pipeline.Batch{
			Source: "checkbook",
			Records: []pipeline.Record{{
				SubjectID: "vendor-77",
				Data:      structuredPayment(200),
				EntityKey: "maple-grove",
				Identity:  identity,
			}},
		})
		require.NoError(t, err)

		result, err := svc.ProcessBatch(ctx, pipeline.Batch{
			Source: "medicaid",
			Records: []pipeline.Record{{
				SubjectID: "provider-9",
				Data:      structuredPayment(200),
				EntityKey: "maple-grove",
				Identity:  identity,
			}},
		})
		require.ErrorIs(t, err, stoprule.ErrEscalated)
		require.Len(t, result.Correlations, 1)
		assert.True(t, result.Correlations[0].Flagged)
		assert.GreaterOrEqual(t, result.Correlations[0].Score, 0.70)
		assert.Equal(t, "ESCALATED", svc.State())

		// Sign-off: an operator reviews the match and clears.
		res, err := svc.Rollback(ctx, pipeline.RollbackRequest{
			Procedure: "manual_clear",
			Reason:    "shared vendor reviewed, relationship documented",
		})
		require.NoError(t, err)
		assert.Equal(t, receipt.KindRollback, res.Receipt.Kind)
		assert.Equal(t, "NORMAL", svc.State())
	})

	// Step 7: Audit
	t.Log("Auditing the surviving receipt taxonomy...")
	t.Run("Receipt_Taxonomy_Survives", func(t *testing.T) {
		res, err := svc.Query(ctx, pipeline.QueryRequest{})
		require.NoError(t, err)

		kinds := make(map[receipt.Kind]int)
		for _, r := range res.Receipts {
			kinds[r.Kind]++
		}
		t.Log("Receipt counts by kind:")
		for kind, count := range kinds {
			t.Logf("  %-24s %d", kind, count)
		}

		for _, want := range []receipt.Kind{
			receipt.KindIngest,
			receipt.KindCompression,
			receipt.KindAnomaly,
			receipt.KindPatternMatch,
			receipt.KindCorrelation,
			receipt.KindAnchor,
			receipt.KindRollback,
			receipt.KindStoprule,
		} {
			assert.Positive(t, kinds[want], "kind %s missing from the chain", want)
		}

		// Reads leave their own trail: the query above sealed a
		// query receipt the next query can see.
		res, err = svc.Query(ctx, pipeline.QueryRequest{Kind: receipt.KindQuery})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Matching)

		snap := svc.Health(ctx)
		assert.True(t, snap.Operational())
		assert.Positive(t, snap.Receipts)

		ok, err := svc.VerifyAll(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "the chain must verify after the whole lifecycle")
	})
}

// structuredPayment builds the kind of repetitive serialized row a
// real disbursement feed produces; it compresses well.
func structuredPayment(n int) []byte {
	return bytes.Repeat([]byte("site=0042,meals=120,rate=4.25;"), n)
}

// fabricatedClaims builds an incompressible blob, the signature of
// generated rather than observed data.
func fabricatedClaims(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	rng.Read(data)
	return data
}
