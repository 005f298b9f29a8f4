// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the pipeline deployment
// configuration. Defaults mirror the package-level constants of the
// components they feed, so an empty config file runs the pipeline with
// the same behavior as an unconfigured one.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianProof/services/pipeline/anchor"
	"github.com/AleutianAI/AleutianProof/services/pipeline/correlate"
	"github.com/AleutianAI/AleutianProof/services/pipeline/detect"
	"github.com/AleutianAI/AleutianProof/services/pipeline/stoprule"
)

type Config struct {
	// TenantID stamps every receipt. e.g. "ohioproof"
	TenantID string `yaml:"tenant_id" validate:"required"`

	// DataDir holds the ledger store and the anchor manifest.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Detection: classification boundaries for the entropy scorer
	Detection DetectionConfig `yaml:"detection"`

	// Correlation: cross-source matching
	Correlation CorrelationConfig `yaml:"correlation"`

	// Growth: period-over-period spending analysis
	Growth GrowthConfig `yaml:"growth"`

	// Anchor: Merkle checkpoint triggers
	Anchor AnchorConfig `yaml:"anchor"`

	// SLO: operational bounds enforced by the stoprule policy
	SLO SLOConfig `yaml:"slo"`
}

type DetectionConfig struct {
	LegitimateMax float64 `yaml:"legitimate_max" validate:"gt=0,lt=1"`                // e.g. 0.50
	SuspiciousMax float64 `yaml:"suspicious_max" validate:"gtfield=LegitimateMax"`    // e.g. 0.75
	EscalatedMax  float64 `yaml:"escalated_max" validate:"gtfield=SuspiciousMax,lte=1"` // e.g. 0.90
}

type CorrelationConfig struct {
	// FlagThreshold is the confidence at which a cross-source match is
	// flagged for review. e.g. 0.70
	FlagThreshold float64 `yaml:"flag_threshold" validate:"gt=0,lte=1"`
}

type GrowthConfig struct {
	AlertMultiplier    float64 `yaml:"alert_multiplier" validate:"gt=0"`                   // e.g. 5.0
	CriticalMultiplier float64 `yaml:"critical_multiplier" validate:"gtfield=AlertMultiplier"` // e.g. 28.0
}

type AnchorConfig struct {
	BatchSize       int `yaml:"batch_size" validate:"gte=1"`       // e.g. 1000
	IntervalMinutes int `yaml:"interval_minutes" validate:"gte=1"` // e.g. 60
}

type SLOConfig struct {
	DetectionLatencyMS int     `yaml:"detection_latency_ms" validate:"gte=1"` // e.g. 5000
	IngestLatencyMS    int     `yaml:"ingest_latency_ms" validate:"gte=1"`    // e.g. 60000
	ParseAccuracyMin   float64 `yaml:"parse_accuracy_min" validate:"gt=0,lte=1"`
	FalsePositiveMax   float64 `yaml:"false_positive_max" validate:"gt=0,lt=1"`
	PrecisionFatal     float64 `yaml:"precision_fatal" validate:"gt=0,lt=1"`
	PrecisionMin       float64 `yaml:"precision_min" validate:"gtfield=PrecisionFatal,lte=1"`
	BiasDisparityMax   float64 `yaml:"bias_disparity_max" validate:"gt=0,lt=1"`
	RetryBudget        int     `yaml:"retry_budget" validate:"gte=1"` // e.g. 3
}

// DefaultConfig returns the deployment defaults. Numeric values come
// from the owning packages so the config and the components cannot
// drift apart.
func DefaultConfig() Config {
	slo := stoprule.DefaultThresholds()
	return Config{
		TenantID: "ohioproof",
		DataDir:  defaultDataDir(),
		Detection: DetectionConfig{
			LegitimateMax: detect.DefaultLegitimateMax,
			SuspiciousMax: detect.DefaultSuspiciousMax,
			EscalatedMax:  detect.DefaultEscalatedMax,
		},
		Correlation: CorrelationConfig{
			FlagThreshold: correlate.DefaultThreshold,
		},
		Growth: GrowthConfig{
			AlertMultiplier:    detect.DefaultGrowthAlert,
			CriticalMultiplier: detect.DefaultGrowthCritical,
		},
		Anchor: AnchorConfig{
			BatchSize:       anchor.DefaultBatchSize,
			IntervalMinutes: int(anchor.DefaultInterval / time.Minute),
		},
		SLO: SLOConfig{
			DetectionLatencyMS: int(slo.DetectionLatencyMax / time.Millisecond),
			IngestLatencyMS:    int(slo.IngestLatencyMax / time.Millisecond),
			ParseAccuracyMin:   slo.ParseAccuracyMin,
			FalsePositiveMax:   slo.FalsePositiveMax,
			PrecisionFatal:     slo.PrecisionFatal,
			PrecisionMin:       slo.PrecisionMin,
			BiasDisparityMax:   slo.BiasDisparityMax,
			RetryBudget:        slo.RetryBudget,
		},
	}
}

// Interval converts the configured minutes to a duration for the
// anchorer's timer trigger.
func (a AnchorConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMinutes) * time.Minute
}

// Thresholds assembles the bounds the stoprule policy enforces. The
// escalation triggers come from the growth and correlation sections;
// everything else comes from the SLO table.
func (c Config) Thresholds() stoprule.Thresholds {
	return stoprule.Thresholds{
		BiasDisparityMax:    c.SLO.BiasDisparityMax,
		PrecisionFatal:      c.SLO.PrecisionFatal,
		PrecisionMin:        c.SLO.PrecisionMin,
		FalsePositiveMax:    c.SLO.FalsePositiveMax,
		GrowthCritical:      c.Growth.CriticalMultiplier,
		CorrelationFlag:     c.Correlation.FlagThreshold,
		DetectionLatencyMax: time.Duration(c.SLO.DetectionLatencyMS) * time.Millisecond,
		IngestLatencyMax:    time.Duration(c.SLO.IngestLatencyMS) * time.Millisecond,
		ParseAccuracyMin:    c.SLO.ParseAccuracyMin,
		RetryBudget:         c.SLO.RetryBudget,
	}
}

// LedgerDir is where the receipt store keeps its files.
func (c Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "ledger")
}

// ManifestPath is where the anchorer records its checkpoints.
func (c Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "MANIFEST.anchor")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aleutianproof"
	}
	return filepath.Join(home, ".aleutianproof")
}
