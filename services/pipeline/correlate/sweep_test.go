// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import (
	"context"
	"testing"
)

// seedFlaggable indexes an entity whose two sources share an exact
// name and city (score 0.70).
func seedFlaggable(e *Engine, key, name string) {
	e.Add(key, "checkbook", SourceRecord{Name: name, City: "Columbus"})
	e.Add(key, "federal", SourceRecord{Name: name, City: "Columbus"})
}

// seedNearMiss indexes an entity scoring 0.60: exact name (0.5) and
// same state (0.1).
func seedNearMiss(e *Engine, key, name string) {
	e.Add(key, "checkbook", SourceRecord{Name: name, State: "OH"})
	e.Add(key, "federal", SourceRecord{Name: name, State: "OH"})
}

func TestCorrelateAll_OrderedByEntityKey(t *testing.T) {
	e := NewEngine()

	// Insertion order deliberately scrambled.
	seedFlaggable(e, "vendor-c", "Gamma Services")
	seedFlaggable(e, "vendor-a", "Alpha Services")
	seedFlaggable(e, "vendor-b", "Beta Services")

	matches, err := e.CorrelateAll(context.Background())
	if err != nil {
		t.Fatalf("CorrelateAll: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("len(matches) = %d, want 3", len(matches))
	}
	for i, want := range []string{"vendor-a", "vendor-b", "vendor-c"} {
		if matches[i].EntityKey != want {
			t.Fatalf("matches[%d] = %s, want %s", i, matches[i].EntityKey, want)
		}
		if !matches[i].Flagged {
			t.Fatalf("matches[%d] not flagged", i)
		}
	}
}

func TestCorrelateAll_SkipsSingleSourceEntities(t *testing.T) {
	e := NewEngine()

	seedFlaggable(e, "vendor-a", "Alpha Services")
	e.Add("vendor-lonely", "checkbook", SourceRecord{Name: "Lonely LLC"})

	matches, err := e.CorrelateAll(context.Background())
	if err != nil {
		t.Fatalf("CorrelateAll: %v", err)
	}
	if len(matches) != 1 || matches[0].EntityKey != "vendor-a" {
		t.Fatalf("matches = %+v, want only vendor-a", matches)
	}
}

func TestCorrelateAll_DiscardsBelowThreshold(t *testing.T) {
	e := NewEngine()

	seedFlaggable(e, "vendor-a", "Alpha Services")
	seedNearMiss(e, "vendor-n", "Near Miss LLC")

	matches, err := e.CorrelateAll(context.Background())
	if err != nil {
		t.Fatalf("CorrelateAll: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v, want the flagged entity only", matches)
	}
}

func TestCorrelateAll_NearMissRetention(t *testing.T) {
	e := NewEngine(WithNearMissRetention(0.15))

	seedFlaggable(e, "vendor-a", "Alpha Services")
	seedNearMiss(e, "vendor-n", "Near Miss LLC")

	matches, err := e.CorrelateAll(context.Background())
	if err != nil {
		t.Fatalf("CorrelateAll: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2 with retention", len(matches))
	}

	var near *CorrelationMatch
	for i := range matches {
		if matches[i].EntityKey == "vendor-n" {
			near = &matches[i]
		}
	}
	if near == nil {
		t.Fatal("near miss not retained")
	}
	if near.Flagged {
		t.Fatal("a retained near miss must not be flagged")
	}
}

func TestCorrelateAll_EmptyIndex(t *testing.T) {
	matches, err := NewEngine().CorrelateAll(context.Background())
	if err != nil {
		t.Fatalf("CorrelateAll: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches = %+v, want none", matches)
	}
}

func TestCorrelateAll_CanceledContext(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 32; i++ {
		seedFlaggable(e, "vendor-"+string(rune('a'+i%26)), "Vendor Services")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.CorrelateAll(ctx); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
