// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package receipt

import (
	"fmt"
	"sort"
	"sync"
)

// KindRegistry maps receipt kinds to their required payload keys.
//
// The registry is populated at process start — core kinds are seeded by
// NewKindRegistry, domain modules add theirs via Register — and then
// sealed before the pipeline begins appending. Registration after Seal
// fails with ErrRegistrySealed; there is no dynamic kind loading at
// runtime.
type KindRegistry struct {
	mu     sync.RWMutex
	sealed bool
	kinds  map[Kind][]string
}

// coreKinds are the required payload keys for every built-in kind,
// matching the JSON keys of the typed payloads in types.go.
var coreKinds = map[Kind][]string{
	KindIngest:       {"source", "record_count"},
	KindCompression:  {"subject_id", "compression_ratio", "classification"},
	KindAnomaly:      {"subject_id", "classification"},
	KindCorrelation:  {"entity_key", "source_a", "source_b", "correlation_score"},
	KindPatternMatch: {"pattern_id", "record_hash", "score"},
	KindAnchor:       {"merkle_root", "range_lo", "range_hi"},
	KindGrowth:       {"subject_id", "growth_rate"},
	KindBias:         {"disparity", "groups"},
	KindStoprule:     {"rule_id", "triggered_at", "action_taken"},
	KindRollback:     {"procedure"},
	KindWatchdog:     {"state"},
	KindQuery:        {"query_type"},
	KindCompaction:   {"receipts_compacted", "before_root"},
}

// NewKindRegistry returns a registry pre-seeded with the core kinds,
// unsealed so domain modules can still register theirs.
func NewKindRegistry() *KindRegistry {
	kinds := make(map[Kind][]string, len(coreKinds))
	for k, keys := range coreKinds {
		kinds[k] = append([]string(nil), keys...)
	}
	return &KindRegistry{kinds: kinds}
}

// Register adds a kind with its required payload keys.
//
// Returns ErrRegistrySealed after Seal, ErrDuplicateKind if the kind is
// already present.
func (r *KindRegistry) Register(kind Kind, requiredKeys ...string) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind", ErrSchemaValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, kind)
	}
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, kind)
	}
	r.kinds[kind] = append([]string(nil), requiredKeys...)
	return nil
}

// Seal freezes the registry. Called once at pipeline startup, after
// which the kind set is immutable for the process lifetime.
func (r *KindRegistry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registry has been sealed.
func (r *KindRegistry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Known reports whether the kind is registered.
func (r *KindRegistry) Known(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// RequiredKeys returns the required payload keys for a kind, or
// ErrUnknownKind.
func (r *KindRegistry) RequiredKeys(kind Kind) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return append([]string(nil), keys...), nil
}

// Kinds returns all registered kinds in sorted order.
func (r *KindRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
