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
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize returns deterministic JSON bytes for a payload value.
//
// # Description
//
// Two inputs that represent the same JSON value must canonicalize to
// identical bytes, because payload_hash — and through it the chain — is
// computed over this serialization.
//
// Structs marshal in declaration order and maps with sorted keys
// (encoding/json guarantees both), so most values canonicalize
// directly. Raw JSON ([]byte, json.RawMessage, string starting with '{'
// or '[') is decoded with json.Number and re-marshaled, which
// normalizes key order and whitespace without disturbing number
// representation.
//
// Payloads must not contain floating timestamps (time.Now() captured at
// serialization time); the emitter stamps time once, on the envelope.
//
// # Inputs
//
//   - payload: struct, map, slice, scalar, or raw JSON
//
// # Outputs
//
//   - []byte: canonical JSON
//   - error: ErrSchemaValidation (wrapped) if the value cannot be
//     represented as JSON
func Canonicalize(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return normalizeRaw([]byte(v))
	case []byte:
		return normalizeRaw(v)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %w", ErrSchemaValidation, err)
	}
	return b, nil
}

// normalizeRaw decodes raw JSON preserving number text, then
// re-marshals to collapse whitespace and sort object keys.
func normalizeRaw(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode raw payload: %w", ErrSchemaValidation, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after payload", ErrSchemaValidation)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: re-marshal payload: %w", ErrSchemaValidation, err)
	}
	return b, nil
}

// payloadKeys decodes canonical payload bytes into a key set for
// required-field checks. Non-object payloads yield an empty set.
func payloadKeys(canonical []byte) map[string]struct{} {
	keys := make(map[string]struct{})
	if len(canonical) == 0 {
		return keys
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &obj); err != nil {
		return keys
	}
	for k := range obj {
		keys[k] = struct{}{}
	}
	return keys
}
