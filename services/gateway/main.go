// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main implements the AleutianProof ingest gateway.
//
// The gateway is the HTTP front door for the accountability pipeline:
// upstream extractors POST record batches, auditors verify chain
// ranges, and monitors scrape health and Prometheus metrics. All
// ledger writes go through the pipeline service so the stoprule gate
// and receipt ordering hold no matter how many clients connect.
//
// Configuration is environment-only, matching the rest of the stack:
//
//	PROOF_CONFIG       path to pipeline config YAML (optional)
//	PROOF_TENANT_ID    tenant override (optional)
//	PROOF_DATA_DIR     ledger/manifest directory override (optional)
//	PORT               listen port (default 8002)
//	GATEWAY_RATE_RPS   sustained request budget per second (default 50)
//	GATEWAY_RATE_BURST token bucket burst (default 100)
//	INFLUXDB_URL       flagged-series mirror; mirror disabled when unset
//	INFLUXDB_TOKEN     required only when INFLUXDB_URL is set
//	INFLUXDB_ORG       mirror org (default aleutian-accountability)
//	INFLUXDB_BUCKET    mirror bucket (default flagged-series)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
	"github.com/AleutianAI/AleutianProof/services/pipeline/config"
	"github.com/AleutianAI/AleutianProof/services/pipeline/correlate"
	"github.com/AleutianAI/AleutianProof/services/pipeline/detect"
	"github.com/AleutianAI/AleutianProof/services/pipeline/ledger"
	"github.com/AleutianAI/AleutianProof/services/pipeline/stoprule"
	"github.com/AleutianAI/AleutianProof/services/pipeline/telemetry"
)

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// RecordIn is one record in an ingestion batch.
type RecordIn struct {
	SubjectID string         `json:"subject_id" binding:"required"`
	Data      string         `json:"data" binding:"required"`
	Fields    map[string]any `json:"fields,omitempty"`

	// EntityKey opts the record into cross-source correlation.
	EntityKey string  `json:"entity_key,omitempty"`
	Name      string  `json:"name,omitempty"`
	TaxID     string  `json:"tax_id,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	City      string  `json:"city,omitempty"`
	State     string  `json:"state,omitempty"`
	Category  string  `json:"category,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// RecordsRequest is the body for POST /v1/records.
type RecordsRequest struct {
	Source        string     `json:"source" binding:"required"`
	Records       []RecordIn `json:"records" binding:"required"`
	ParseFailures int        `json:"parse_failures,omitempty"`
}

// RecordsResponse summarizes what one batch produced.
type RecordsResponse struct {
	BatchID      string `json:"batch_id"`
	Source       string `json:"source"`
	Appended     int    `json:"receipts_appended"`
	Scored       int    `json:"records_scored"`
	Flagged      int    `json:"records_flagged"`
	PatternHits  int    `json:"pattern_hits"`
	Correlations int    `json:"correlation_flags"`
	State        string `json:"pipeline_state"`
}

// VerifyRequest is the body for POST /v1/verify. A zero To means the
// current tail.
type VerifyRequest struct {
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	Anchors bool   `json:"anchors,omitempty"`
}

// VerifyResponse reports a verification pass.
type VerifyResponse struct {
	Valid      bool   `json:"valid"`
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	FailedSeq  uint64 `json:"failed_sequence,omitempty"`
	AnchorsOK  bool   `json:"anchors_ok,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// AnchorResponse is the manifest view for GET /v1/anchors/latest.
type AnchorResponse struct {
	TenantID     string    `json:"tenant_id"`
	AnchorSeq    uint64    `json:"anchor_sequence"`
	AnchorRoot   string    `json:"anchor_root"`
	TailSequence uint64    `json:"tail_sequence"`
	TailHash     string    `json:"tail_chain_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// =============================================================================
// SERVER
// =============================================================================

// Server carries the shared pipeline handle and the optional mirror.
type Server struct {
	Pipeline *pipeline.Service
	Config   config.Config
	Limiter  *rate.Limiter

	// WriteAPI mirrors flagged-record points to InfluxDB. Nil when the
	// mirror is disabled.
	WriteAPI api.WriteAPIBlocking
}

var (
	influxURL    = os.Getenv("INFLUXDB_URL")
	influxToken  = os.Getenv("INFLUXDB_TOKEN")
	influxOrg    = os.Getenv("INFLUXDB_ORG")
	influxBucket = os.Getenv("INFLUXDB_BUCKET")
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		slog.Error("Failed to load pipeline config", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	slog.Info("Starting AleutianProof gateway",
		"tenant", cfg.TenantID,
		"data_dir", cfg.DataDir)

	svc, err := pipeline.Open(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open pipeline", "error", err)
		os.Exit(1)
	}
	svc.Start()
	defer svc.Close()

	server := &Server{
		Pipeline: svc,
		Config:   cfg,
		Limiter:  rate.NewLimiter(rate.Limit(envFloat("GATEWAY_RATE_RPS", 50)), envInt("GATEWAY_RATE_BURST", 100)),
	}

	// The mirror is best-effort observability, not part of the audit
	// trail; a missing token is fatal only when a URL was given.
	if influxURL != "" {
		if influxToken == "" {
			slog.Error("INFLUXDB_TOKEN is required when INFLUXDB_URL is set")
			os.Exit(1)
		}
		if influxOrg == "" {
			influxOrg = "aleutian-accountability"
		}
		if influxBucket == "" {
			influxBucket = "flagged-series"
		}

		influxClient := influxdb2.NewClient(influxURL, influxToken)
		defer influxClient.Close()

		var influxReady bool
		slog.Info("Waiting for InfluxDB to be ready...")
		for i := 0; i < 10; i++ {
			health, herr := influxClient.Health(ctx)
			if herr == nil && health.Status == "pass" {
				influxReady = true
				break
			}
			var errMsg string
			if herr != nil {
				errMsg = herr.Error()
			} else if health != nil && health.Message != nil {
				errMsg = *health.Message
			}
			slog.Warn("InfluxDB not ready, retrying...", "attempt", i+1, "error", errMsg)
			time.Sleep(3 * time.Second)
		}
		if !influxReady {
			slog.Error("Failed to connect to InfluxDB after all retries")
			os.Exit(1)
		}

		server.WriteAPI = influxClient.WriteAPIBlocking(influxOrg, influxBucket)
		slog.Info("Flagged-series mirror enabled", "org", influxOrg, "bucket", influxBucket)
	} else {
		slog.Info("Flagged-series mirror disabled (INFLUXDB_URL unset)")
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("proof-gateway"))

	router.GET("/health", server.handleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	router.POST("/v1/records", server.rateLimit, server.handleRecords)
	router.POST("/v1/verify", server.handleVerify)
	router.GET("/v1/anchors/latest", server.handleLatestAnchor)
	router.GET("/v1/receipts/:seq/proof", server.handleReceiptProof)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8002"
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Shutdown signal received, draining...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Forced shutdown", "error", err)
		}
	}()

	slog.Info("Starting gateway API server", "port", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// rateLimit sheds ingestion load before it reaches the ledger mutex.
func (s *Server) rateLimit(c *gin.Context) {
	if !s.Limiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Rate limit exceeded, retry later",
		})
		return
	}
	c.Next()
}

// =============================================================================
// HANDLERS
// =============================================================================

// handleHealth reports pipeline health. A halted or escalated pipeline
// answers 503 so load balancers stop routing ingestion traffic to a
// closed gate.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.Pipeline.Health(c.Request.Context())
	status := http.StatusOK
	if !snap.Operational() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

// handleRecords ingests one batch through the full pipeline: ingest
// receipt, entropy scoring, pattern matching, correlation, and the
// per-record receipts for everything flagged.
func (s *Server) handleRecords(c *gin.Context) {
	var req RecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if len(req.Records) == 0 && req.ParseFailures == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty batch"})
		return
	}

	batch := pipeline.Batch{
		Source:        req.Source,
		ParseFailures: req.ParseFailures,
		Records:       make([]pipeline.Record, 0, len(req.Records)),
	}
	for i, in := range req.Records {
		rec, err := toPipelineRecord(in)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid record",
				"index":   i,
				"details": err.Error(),
			})
			return
		}
		batch.Records = append(batch.Records, rec)
	}

	result, err := s.Pipeline.ProcessBatch(c.Request.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, stoprule.ErrHalted), errors.Is(err, stoprule.ErrEscalated):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Pipeline halted", "details": err.Error(),
				"state": s.Pipeline.State(),
			})
		default:
			slog.Error("Batch ingestion failed", "source", req.Source, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Ingestion failed", "details": err.Error()})
		}
		return
	}

	s.mirrorFlagged(c.Request.Context(), result)

	c.JSON(http.StatusOK, RecordsResponse{
		BatchID:      result.BatchID,
		Source:       result.Source,
		Appended:     result.Appended,
		Scored:       len(result.Scores),
		Flagged:      result.Flagged,
		PatternHits:  len(result.PatternHits),
		Correlations: len(result.Correlations),
		State:        s.Pipeline.State(),
	})
}

// handleVerify recomputes the chain over [from, to] and optionally
// re-checks every anchored Merkle root.
func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	start := time.Now()
	snap := s.Pipeline.Health(c.Request.Context())
	if snap.Receipts == 0 {
		c.JSON(http.StatusOK, VerifyResponse{Valid: true})
		return
	}
	if req.To == 0 {
		req.To = snap.TailSequence
	}
	if req.From > req.To {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from exceeds to"})
		return
	}

	valid, err := s.Pipeline.Verify(c.Request.Context(), req.From, req.To)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed", "details": err.Error()})
		return
	}

	resp := VerifyResponse{
		Valid:      valid,
		From:       req.From,
		To:         req.To,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if req.Anchors {
		ok, badSeq, aerr := s.Pipeline.VerifyAnchors(c.Request.Context())
		if aerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Anchor verification failed", "details": aerr.Error()})
			return
		}
		resp.AnchorsOK = ok
		if !ok {
			resp.Valid = false
			resp.FailedSeq = badSeq
		}
		resp.DurationMs = time.Since(start).Milliseconds()
	}

	// A broken chain is a finding, not a server error.
	status := http.StatusOK
	if !resp.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, resp)
}

// handleLatestAnchor serves the manifest restore point.
func (s *Server) handleLatestAnchor(c *gin.Context) {
	m, err := ledger.ReadManifest(s.Config.ManifestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No anchor has been cut yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Manifest read failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, AnchorResponse{
		TenantID:     m.TenantID,
		AnchorSeq:    m.AnchorSeq,
		AnchorRoot:   m.AnchorRoot,
		TailSequence: m.TailSequence,
		TailHash:     m.TailHash,
		UpdatedAt:    m.UpdatedAt,
	})
}

// handleReceiptProof serves the Merkle inclusion proof for one sealed
// receipt. The response is checkable offline against the covering
// anchor's root with nothing but the hash function.
func (s *Server) handleReceiptProof(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sequence", "details": err.Error()})
		return
	}

	proof, err := s.Pipeline.Prove(c.Request.Context(), seq)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotAnchored) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Receipt not covered by any anchor yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Proof generation failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, proof)
}

// =============================================================================
// HELPERS
// =============================================================================

// toPipelineRecord converts a wire record into the pipeline's shape.
func toPipelineRecord(in RecordIn) (pipeline.Record, error) {
	rec := pipeline.Record{
		SubjectID: in.SubjectID,
		Data:      []byte(in.Data),
		Fields:    in.Fields,
		EntityKey: in.EntityKey,
	}
	if in.EntityKey != "" {
		ts := time.Time{}
		if in.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339, in.Timestamp)
			if err != nil {
				return pipeline.Record{}, err
			}
			ts = parsed
		}
		rec.Identity = correlate.SourceRecord{
			Name:       in.Name,
			Identifier: in.TaxID,
			Amount:     in.Amount,
			Timestamp:  ts,
			City:       in.City,
			State:      in.State,
			Category:   in.Category,
		}
	}
	return rec, nil
}

// mirrorFlagged writes one point per flagged score to the mirror
// bucket. Mirror failures are logged and swallowed; the receipts are
// already sealed and the mirror is never authoritative.
func (s *Server) mirrorFlagged(ctx context.Context, result *pipeline.BatchResult) {
	if s.WriteAPI == nil || result.Flagged == 0 {
		return
	}

	points := make([]*write.Point, 0, result.Flagged)
	now := time.Now()
	for _, sc := range result.Scores {
		if sc.Classification == detect.ClassLegitimate {
			continue
		}
		p := influxdb2.NewPoint(
			"flagged_record",
			map[string]string{
				"source":         result.Source,
				"classification": string(sc.Classification),
				"tenant":         s.Config.TenantID,
			},
			map[string]any{
				"subject_id":        sc.SubjectID,
				"entropy_bits":      sc.EntropyBits,
				"compression_ratio": sc.CompressionRatio,
				"escalated":         sc.Escalated,
			},
			now,
		)
		points = append(points, p)
	}
	if len(points) == 0 {
		return
	}
	if err := s.WriteAPI.WritePoint(ctx, points...); err != nil {
		slog.Warn("Flagged-series mirror write failed", "error", err, "points", len(points))
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}
