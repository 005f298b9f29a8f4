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
	"errors"
	"testing"
)

func TestCanonicalize_KeyOrderNormalized(t *testing.T) {
	a := json.RawMessage(`{"vendor":"ACME","amount":1250.00,"source":"checkbook"}`)
	b := json.RawMessage(`{"source":"checkbook","amount":1250.00,"vendor":"ACME"}`)

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize(a) error = %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize(b) error = %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("same object, different canonical bytes:\n  a=%s\n  b=%s", ca, cb)
	}
}

func TestCanonicalize_NumberTextPreserved(t *testing.T) {
	// 1250.00 must not become 1250 or 1.25e3 through canonicalization.
	raw := json.RawMessage(`{"amount":1250.00}`)
	c, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if !bytes.Contains(c, []byte("1250.00")) {
		t.Errorf("number text not preserved: %s", c)
	}
}

func TestCanonicalize_WhitespaceCollapsed(t *testing.T) {
	loose := json.RawMessage("{\n  \"k\": \"v\"\n}")
	tight := json.RawMessage(`{"k":"v"}`)

	cl, err := Canonicalize(loose)
	if err != nil {
		t.Fatalf("Canonicalize(loose) error = %v", err)
	}
	ct, err := Canonicalize(tight)
	if err != nil {
		t.Fatalf("Canonicalize(tight) error = %v", err)
	}
	if !bytes.Equal(cl, ct) {
		t.Errorf("whitespace changed canonical form: %s vs %s", cl, ct)
	}
}

func TestCanonicalize_Struct(t *testing.T) {
	p := IngestPayload{Source: "usaspending", RecordCount: 3}
	c, err := Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	want := `{"source":"usaspending","record_count":3}`
	if string(c) != want {
		t.Errorf("Canonicalize(struct) = %s, want %s", c, want)
	}
}

func TestCanonicalize_NestedMapsSorted(t *testing.T) {
	p := map[string]any{
		"z": map[string]any{"b": 2, "a": 1},
		"a": "first",
	}
	c, err := Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	want := `{"a":"first","z":{"a":1,"b":2}}`
	if string(c) != want {
		t.Errorf("Canonicalize(map) = %s, want %s", c, want)
	}
}

func TestCanonicalize_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{"truncated json", json.RawMessage(`{"k":`)},
		{"trailing data", json.RawMessage(`{"k":1} extra`)},
		{"unmarshalable", map[string]any{"ch": make(chan int)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.payload)
			if !errors.Is(err, ErrSchemaValidation) {
				t.Errorf("Canonicalize() error = %v, want ErrSchemaValidation", err)
			}
		})
	}
}

func TestCanonicalize_Nil(t *testing.T) {
	c, err := Canonicalize(nil)
	if err != nil {
		t.Fatalf("Canonicalize(nil) error = %v", err)
	}
	if c != nil {
		t.Errorf("Canonicalize(nil) = %s, want nil", c)
	}
}
