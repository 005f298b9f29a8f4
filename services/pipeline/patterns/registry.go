// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns matches records against a library of known fraud
// signatures.
//
// The library ships embedded in the binary and is compiled and
// validated once at process start; it is immutable at runtime. Editing
// a signature is a model change: it requires a new library version,
// and reverting one is a model rollback, not a config edit.
package patterns

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxLibraryFileSize caps pattern library files at 1MB.
	MaxLibraryFileSize = 1024 * 1024

	// MaxPatternsInLibrary caps the number of signatures per library.
	MaxPatternsInLibrary = 200

	// MaxIndicatorsPerPattern caps indicators per signature.
	MaxIndicatorsPerPattern = 50

	// externalLibraryEnv names an optional library file that
	// overrides the embedded default.
	externalLibraryEnv = "PATTERN_LIBRARY_PATH"
)

// =============================================================================
// Embedded Default Library
// =============================================================================

//go:embed patterns.yaml
var defaultLibraryYAML []byte

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	libraryLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proof_pattern_library_load_errors_total",
		Help: "Total pattern library load errors",
	})

	libraryLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proof_pattern_library_load_duration_seconds",
		Help:    "Duration of pattern library loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})

	patternMatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proof_pattern_match_decisions_total",
		Help: "Total pattern match evaluations by pattern and verdict",
	}, []string{"pattern", "matched"})

	patternMatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proof_pattern_match_latency_seconds",
		Help:    "Pattern match evaluation latency",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 5},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var tracer = otel.Tracer("aleutian.patterns")

// =============================================================================
// YAML Types
// =============================================================================

// libraryYAML is the root structure for library deserialization.
type libraryYAML struct {
	Version  string        `yaml:"version"`
	Patterns []patternYAML `yaml:"patterns"`
}

type patternYAML struct {
	ID          string          `yaml:"id"`
	Type        string          `yaml:"type"`
	Description string          `yaml:"description"`
	RiskWeight  float64         `yaml:"risk_weight"`
	Indicators  []indicatorYAML `yaml:"indicators"`
	Verified    *verifiedYAML   `yaml:"verified_case,omitempty"`
}

type indicatorYAML struct {
	Field    string  `yaml:"field"`
	Operator string  `yaml:"operator"`
	Value    any     `yaml:"value"`
	Weight   float64 `yaml:"weight,omitempty"`
}

type verifiedYAML struct {
	Name    string  `yaml:"name"`
	Amount  float64 `yaml:"amount"`
	Outcome string  `yaml:"outcome"`
}

// =============================================================================
// Compiled Types
// =============================================================================

// VerifiedCase records the adjudicated fraud case a signature is
// calibrated against.
type VerifiedCase struct {
	Name    string
	Amount  float64
	Outcome string
}

// Pattern is one compiled, immutable fraud signature.
type Pattern struct {
	PatternID   string
	Type        string
	Description string
	RiskWeight  float64
	Verified    *VerifiedCase

	indicators []compiledIndicator
}

// Indicators returns the number of indicator predicates.
func (p *Pattern) Indicators() int { return len(p.indicators) }

// Registry holds a compiled pattern library.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Registry struct {
	version  string
	patterns map[string]*Pattern
	order    []string
	yamlHash string
	loadedAt time.Time
}

// Version returns the library version string.
func (r *Registry) Version() string { return r.version }

// Hash returns the dual hash of the source YAML, for model-rollback
// receipts.
func (r *Registry) Hash() string { return r.yamlHash }

// LoadedAt returns when the library was compiled.
func (r *Registry) LoadedAt() time.Time { return r.loadedAt }

// Len returns the number of signatures in the library.
func (r *Registry) Len() int { return len(r.patterns) }

// List returns pattern IDs in library order.
func (r *Registry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Load returns the compiled signature for patternID.
//
// # Outputs
//
//   - *Pattern: the immutable compiled signature.
//   - error: *PatternNotFoundError if the library has no such ID.
func (r *Registry) Load(patternID string) (*Pattern, error) {
	p, ok := r.patterns[patternID]
	if !ok {
		return nil, &PatternNotFoundError{PatternID: patternID}
	}
	return p, nil
}

// All returns the compiled signatures in library order.
func (r *Registry) All() []*Pattern {
	out := make([]*Pattern, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.patterns[id])
	}
	return out
}

// =============================================================================
// Singleton Registry
// =============================================================================

var (
	registryMu      sync.RWMutex
	registryOnce    sync.Once
	cachedRegistry  *Registry
	registryLoadErr error
)

// GetRegistry returns the process-wide pattern registry.
//
// # Description
//
// Loads and compiles the library on first call and caches it for the
// process lifetime. An external file named by PATTERN_LIBRARY_PATH
// overrides the embedded default; if it cannot be read the embedded
// library is used and a warning is logged. A library that fails
// validation is fatal: the error is cached and returned on every call.
//
// # Thread Safety
//
// Safe for concurrent use.
func GetRegistry(ctx context.Context) (*Registry, error) {
	registryMu.RLock()
	if cachedRegistry != nil || registryLoadErr != nil {
		reg, err := cachedRegistry, registryLoadErr
		registryMu.RUnlock()
		return reg, err
	}
	registryMu.RUnlock()

	registryMu.Lock()
	defer registryMu.Unlock()

	if cachedRegistry != nil || registryLoadErr != nil {
		return cachedRegistry, registryLoadErr
	}

	registryOnce.Do(func() {
		cachedRegistry, registryLoadErr = loadRegistry(ctx)
	})

	return cachedRegistry, registryLoadErr
}

// ResetRegistry clears the cached registry so the next GetRegistry
// call reloads it. Testing only.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registryOnce = sync.Once{}
	cachedRegistry = nil
	registryLoadErr = nil
}

// =============================================================================
// Loading Logic
// =============================================================================

// loadRegistry resolves the library source and compiles it.
func loadRegistry(ctx context.Context) (*Registry, error) {
	_, span := tracer.Start(ctx, "patterns.Load")
	defer span.End()

	start := time.Now()
	defer func() {
		libraryLoadDuration.Observe(time.Since(start).Seconds())
	}()

	yamlData := defaultLibraryYAML
	source := "embedded"

	if path := os.Getenv(externalLibraryEnv); path != "" {
		data, err := loadExternalLibrary(path)
		if err == nil {
			yamlData = data
			source = "external"
			slog.Info("loaded pattern library from external file",
				slog.String("path", path))
		} else {
			slog.Warn("external pattern library not available, using embedded default",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}

	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("yaml_size", len(yamlData)),
	)

	registry, err := Compile(yamlData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		libraryLoadErrors.Inc()
		return nil, err
	}

	span.SetAttributes(
		attribute.String("version", registry.version),
		attribute.Int("pattern_count", registry.Len()),
	)
	slog.Info("pattern library compiled",
		slog.String("version", registry.version),
		slog.String("source", source),
		slog.Int("patterns", registry.Len()))
	return registry, nil
}

// loadExternalLibrary reads an override library with a size check.
func loadExternalLibrary(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)

	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, fmt.Errorf("stat pattern library: %w", err)
	}
	if info.Size() > MaxLibraryFileSize {
		return nil, fmt.Errorf("pattern library %s exceeds %d bytes", cleaned, MaxLibraryFileSize)
	}

	data, err := os.ReadFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("read pattern library: %w", err)
	}
	return data, nil
}

// Compile parses and validates a pattern library.
//
// # Description
//
// Every signature is fully compiled up front: operators are resolved,
// numeric comparison targets are coerced, and list membership targets
// are materialized. Any invalid signature fails the whole library;
// a registry is either completely usable or not constructed.
//
// # Outputs
//
//   - *Registry: the immutable compiled library.
//   - error: wraps ErrInvalidLibrary on any validation failure.
func Compile(yamlData []byte) (*Registry, error) {
	if len(yamlData) > MaxLibraryFileSize {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", ErrInvalidLibrary, MaxLibraryFileSize)
	}

	var lib libraryYAML
	if err := yaml.Unmarshal(yamlData, &lib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLibrary, err)
	}

	if lib.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidLibrary)
	}
	if len(lib.Patterns) == 0 {
		return nil, fmt.Errorf("%w: no patterns defined", ErrInvalidLibrary)
	}
	if len(lib.Patterns) > MaxPatternsInLibrary {
		return nil, fmt.Errorf("%w: %d patterns exceeds limit %d",
			ErrInvalidLibrary, len(lib.Patterns), MaxPatternsInLibrary)
	}

	registry := &Registry{
		version:  lib.Version,
		patterns: make(map[string]*Pattern, len(lib.Patterns)),
		yamlHash: hashing.Digest(yamlData),
		loadedAt: time.Now().UTC(),
	}

	for i, py := range lib.Patterns {
		p, err := compilePattern(py)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d (%q): %v", ErrInvalidLibrary, i, py.ID, err)
		}
		if _, dup := registry.patterns[p.PatternID]; dup {
			return nil, fmt.Errorf("%w: duplicate pattern id %q", ErrInvalidLibrary, p.PatternID)
		}
		registry.patterns[p.PatternID] = p
		registry.order = append(registry.order, p.PatternID)
	}

	return registry, nil
}

// compilePattern validates and compiles one signature.
func compilePattern(py patternYAML) (*Pattern, error) {
	if py.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if py.RiskWeight <= 0 || py.RiskWeight > 1 {
		return nil, fmt.Errorf("risk_weight %v outside (0, 1]", py.RiskWeight)
	}
	if len(py.Indicators) == 0 {
		return nil, fmt.Errorf("no indicators")
	}
	if len(py.Indicators) > MaxIndicatorsPerPattern {
		return nil, fmt.Errorf("%d indicators exceeds limit %d",
			len(py.Indicators), MaxIndicatorsPerPattern)
	}

	p := &Pattern{
		PatternID:   py.ID,
		Type:        py.Type,
		Description: py.Description,
		RiskWeight:  py.RiskWeight,
	}
	if py.Verified != nil {
		p.Verified = &VerifiedCase{
			Name:    py.Verified.Name,
			Amount:  py.Verified.Amount,
			Outcome: py.Verified.Outcome,
		}
	}

	for j, iy := range py.Indicators {
		ind, err := compileIndicator(iy)
		if err != nil {
			return nil, fmt.Errorf("indicator %d (%s): %w", j, iy.Field, err)
		}
		p.indicators = append(p.indicators, ind)
	}

	return p, nil
}

// sortedOperators returns the supported operator names for error text.
func sortedOperators() []string {
	out := make([]string, 0, len(validOperators))
	for op := range validOperators {
		out = append(out, string(op))
	}
	sort.Strings(out)
	return out
}
