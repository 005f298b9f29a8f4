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
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestShardedIndex_AddAndSnapshot(t *testing.T) {
	idx := newShardedIndex(4)

	idx.add("acme", "checkbook", SourceRecord{Name: "ACME", Amount: 100})
	idx.add("acme", "checkbook", SourceRecord{Name: "ACME", Amount: 200})
	idx.add("acme", "federal", SourceRecord{Name: "ACME Corp"})

	snap := idx.snapshot("acme")
	if len(snap) != 2 {
		t.Fatalf("snapshot sources = %d, want 2", len(snap))
	}
	if len(snap["checkbook"]) != 2 || len(snap["federal"]) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if idx.snapshot("missing") != nil {
		t.Fatal("missing entity must snapshot nil")
	}
}

func TestShardedIndex_SnapshotIsolation(t *testing.T) {
	idx := newShardedIndex(4)
	idx.add("acme", "checkbook", SourceRecord{Name: "ACME"})

	snap := idx.snapshot("acme")
	snap["checkbook"][0].Name = "MUTATED"

	if again := idx.snapshot("acme"); again["checkbook"][0].Name != "ACME" {
		t.Fatal("snapshot mutation leaked into the index")
	}
}

func TestShardedIndex_ConcurrentAdds(t *testing.T) {
	idx := newShardedIndex(8)

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("entity-%02d", i%25)
				idx.add(key, fmt.Sprintf("source-%d", w%3), SourceRecord{Amount: float64(i)})
			}
		}(w)
	}
	wg.Wait()

	if got := idx.size(); got != 25 {
		t.Fatalf("size = %d, want 25", got)
	}

	keys := idx.keys()
	if len(keys) != 25 {
		t.Fatalf("len(keys) = %d, want 25", len(keys))
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("keys not sorted: %v", keys)
	}

	// Every writer hit entity-00; all writes must have landed.
	total := 0
	for _, records := range idx.snapshot("entity-00") {
		total += len(records)
	}
	if total != writers*2 {
		t.Fatalf("entity-00 records = %d, want %d", total, writers*2)
	}
}
