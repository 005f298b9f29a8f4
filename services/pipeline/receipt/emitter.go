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
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianProof/pkg/logging"
	"github.com/AleutianAI/AleutianProof/services/pipeline/hashing"
)

// emitValidate validates typed payload structs.
// Initialized in init() with the dualhash rule.
var emitValidate *validator.Validate

func init() {
	emitValidate = validator.New()

	// "dualhash" checks a string field has the dual-digest shape.
	_ = emitValidate.RegisterValidation("dualhash", func(fl validator.FieldLevel) bool {
		return hashing.Valid(fl.Field().String())
	})
}

// =============================================================================
// Deployment Context
// =============================================================================

// DeploymentContext is the immutable ambient context stamped onto every
// receipt: the tenant identifier and the clock. It is constructed once
// at startup and passed into the Emitter and StoprulePolicy — there is
// no process-wide singleton.
type DeploymentContext struct {
	TenantID string
	Clock    func() time.Time

	// start anchors the monotonic offset recorded as mono_ns.
	start time.Time
}

// NewDeploymentContext builds a context for one deployment. The clock
// defaults to time.Now; the monotonic baseline is captured here, so
// mono_ns orders receipts emitted by this process even if the wall
// clock steps.
func NewDeploymentContext(tenantID string) DeploymentContext {
	return DeploymentContext{
		TenantID: tenantID,
		Clock:    time.Now,
		start:    time.Now(),
	}
}

// WithClock returns a copy using the given clock. Test hook; the
// monotonic baseline is re-anchored to the clock's first reading.
func (c DeploymentContext) WithClock(clock func() time.Time) DeploymentContext {
	c.Clock = clock
	c.start = clock()
	return c
}

// now returns the wall-clock reading and the monotonic offset.
func (c DeploymentContext) now() (time.Time, int64) {
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	ts := clock()
	if c.start.IsZero() {
		return ts, 0
	}
	return ts, ts.Sub(c.start).Nanoseconds()
}

// =============================================================================
// Emitter
// =============================================================================

// Emitter builds validated receipt drafts.
//
// # Description
//
// Emit validates the receipt kind against the registry, canonicalizes
// the payload, enforces the kind's required fields (and validation tags
// for typed payloads), computes payload_hash, and stamps timestamp and
// tenant from the deployment context. It never assigns sequence_number
// or chain_hash — only the ledger knows the chain tail.
//
// # Thread Safety
//
// Safe for concurrent use: all fields are immutable after construction.
type Emitter struct {
	dctx     DeploymentContext
	registry *KindRegistry
	logger   *logging.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger used for rejected drafts.
func WithLogger(logger *logging.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// NewEmitter creates an Emitter bound to a deployment context and kind
// registry.
func NewEmitter(dctx DeploymentContext, registry *KindRegistry, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		dctx:     dctx,
		registry: registry,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit builds a Draft for the given kind and payload.
//
// # Inputs
//
//   - kind: a registered receipt kind
//   - payload: typed payload struct, map, raw JSON, or nil
//
// # Outputs
//
//   - Draft: validated, hash-stamped, ready for ledger append
//   - error: ErrSchemaValidation (wrapped) on unknown kind, bad
//     payload, or missing required fields
//
// Rejected drafts are logged and never reach the ledger; emission
// failures are not fatal to the process.
func (e *Emitter) Emit(kind Kind, payload any) (Draft, error) {
	required, err := e.registry.RequiredKeys(kind)
	if err != nil {
		e.logger.Warn("draft rejected", "kind", kind, "error", err.Error())
		return Draft{}, fmt.Errorf("%w: %w", ErrSchemaValidation, err)
	}

	if isStructPayload(payload) {
		if err := emitValidate.Struct(payload); err != nil {
			e.logger.Warn("draft rejected", "kind", kind, "error", err.Error())
			return Draft{}, fmt.Errorf("%w: %s payload: %w", ErrSchemaValidation, kind, err)
		}
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		e.logger.Warn("draft rejected", "kind", kind, "error", err.Error())
		return Draft{}, err
	}

	if len(required) > 0 {
		keys := payloadKeys(canonical)
		for _, k := range required {
			if _, ok := keys[k]; !ok {
				err := fmt.Errorf("%w: %s payload missing %q", ErrSchemaValidation, kind, k)
				e.logger.Warn("draft rejected", "kind", kind, "error", err.Error())
				return Draft{}, err
			}
		}
	}

	ts, mono := e.dctx.now()
	return Draft{
		Kind:        kind,
		TS:          ts,
		MonoNS:      mono,
		TenantID:    e.dctx.TenantID,
		PayloadHash: hashing.Digest(canonical),
		Payload:     canonical,
	}, nil
}

// MustEmit is Emit for payloads the caller constructed from typed
// structs moments earlier; it panics on validation failure. Intended
// for pipeline-internal receipts whose shape is fixed at compile time.
func (e *Emitter) MustEmit(kind Kind, payload any) Draft {
	d, err := e.Emit(kind, payload)
	if err != nil {
		panic(fmt.Sprintf("receipt: internal draft invalid: %v", err))
	}
	return d
}

// isStructPayload reports whether payload should go through struct
// validation. Raw JSON and maps are checked by required keys only.
func isStructPayload(payload any) bool {
	if payload == nil {
		return false
	}
	switch payload.(type) {
	case json.RawMessage, []byte:
		return false
	}
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	return v.Kind() == reflect.Struct && v.Type() != reflect.TypeOf(time.Time{})
}
