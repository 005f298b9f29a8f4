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
	"hash/fnv"
	"sort"
	"sync"
)

const defaultShardCount = 16

// shardedIndex holds records grouped by entity key and source.
//
//	Description:
//	  Entity keys are distributed across shards by FNV-1a so
//	  concurrent ingest from many sources contends per shard, never
//	  globally. Reads during a sweep take only the shard's read lock.
type shardedIndex struct {
	shards []*indexShard
}

type indexShard struct {
	mu       sync.RWMutex
	entities map[string]map[string][]SourceRecord
}

func newShardedIndex(shardCount int) *shardedIndex {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}
	idx := &shardedIndex{shards: make([]*indexShard, shardCount)}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{
			entities: make(map[string]map[string][]SourceRecord),
		}
	}
	return idx
}

func (idx *shardedIndex) shardFor(entityKey string) *indexShard {
	h := fnv.New32a()
	h.Write([]byte(entityKey))
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

func (idx *shardedIndex) add(entityKey, source string, rec SourceRecord) {
	shard := idx.shardFor(entityKey)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	bySource, ok := shard.entities[entityKey]
	if !ok {
		bySource = make(map[string][]SourceRecord)
		shard.entities[entityKey] = bySource
	}
	bySource[source] = append(bySource[source], rec)
}

// snapshot copies one entity's records so callers never hold a
// reference into a live shard.
func (idx *shardedIndex) snapshot(entityKey string) map[string][]SourceRecord {
	shard := idx.shardFor(entityKey)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	bySource, ok := shard.entities[entityKey]
	if !ok {
		return nil
	}
	out := make(map[string][]SourceRecord, len(bySource))
	for source, records := range bySource {
		copied := make([]SourceRecord, len(records))
		copy(copied, records)
		out[source] = copied
	}
	return out
}

// keys returns every indexed entity key in lexicographic order.
func (idx *shardedIndex) keys() []string {
	var out []string
	for _, shard := range idx.shards {
		shard.mu.RLock()
		for key := range shard.entities {
			out = append(out, key)
		}
		shard.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// size returns the number of indexed entities.
func (idx *shardedIndex) size() int {
	n := 0
	for _, shard := range idx.shards {
		shard.mu.RLock()
		n += len(shard.entities)
		shard.mu.RUnlock()
	}
	return n
}
