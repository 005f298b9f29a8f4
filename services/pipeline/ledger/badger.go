// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianProof/services/pipeline/receipt"
)

// Key layout for the Badger-backed ledger:
//
//	r/<8-byte big-endian sequence>  -> receipt JSON
//	meta/tail                       -> TailPointer JSON
//
// Big-endian sequence keys make iteration order equal sequence order.
var (
	receiptPrefix = []byte("r/")
	tailKey       = []byte("meta/tail")
)

// receiptKey returns the storage key for a sequence number.
func receiptKey(seq uint64) []byte {
	key := make([]byte, len(receiptPrefix)+8)
	copy(key, receiptPrefix)
	binary.BigEndian.PutUint64(key[len(receiptPrefix):], seq)
	return key
}

// BadgerConfig holds configuration for the Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// The ledger is the system of record; leave this on in production.
	SyncWrites bool

	// Logger receives Badger's internal log output.
	// If nil, Badger's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults.
//
// Description:
//
//	Returns a BadgerConfig with:
//	- SyncWrites enabled (appends must survive a crash)
//	- 5-minute GC interval
//	- 50% discard ratio threshold
//
// Outputs:
//
//	BadgerConfig - Ready-to-use production configuration (set Path).
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
//
// Description:
//
//	Returns a BadgerConfig with in-memory mode enabled, SyncWrites
//	disabled, and GC disabled.
//
// Outputs:
//
//	BadgerConfig - Ready-to-use test configuration.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the production Store implementation on embedded
// BadgerDB.
//
// Thread Safety: safe for concurrent use; Badger transactions provide
// snapshot isolation, and the ledger serializes appends above this
// layer.
type BadgerStore struct {
	db *badger.DB
	gc *gcRunner
}

// OpenBadger opens a Badger-backed ledger store.
//
// Description:
//
//	Opens the database at cfg.Path (created if absent), or in memory
//	when cfg.InMemory is true, and starts the GC runner if configured.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent ledger store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil) // Disable Badger's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	store := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		store.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		store.gc.start()
	}
	return store, nil
}

// Append implements Store.
//
// The receipt entry and the tail pointer are written in a single
// transaction: visible together or not at all.
func (s *BadgerStore) Append(ctx context.Context, r receipt.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt %d: %w", r.Sequence, err)
	}
	tail, err := json.Marshal(TailPointer{Sequence: r.Sequence, ChainHash: r.ChainHash})
	if err != nil {
		return fmt.Errorf("marshal tail pointer: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(receiptKey(r.Sequence), val); err != nil {
			return fmt.Errorf("set receipt %d: %w", r.Sequence, err)
		}
		if err := txn.Set(tailKey, tail); err != nil {
			return fmt.Errorf("set tail pointer: %w", err)
		}
		return nil
	})
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, seq uint64) (receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return receipt.Receipt{}, err
	}

	var r receipt.Receipt
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(receiptKey(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: seq %d", ErrNotFound, seq)
		}
		if err != nil {
			return fmt.Errorf("get receipt %d: %w", seq, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return r, err
}

// Scan implements Store.
func (s *BadgerStore) Scan(ctx context.Context, lo, hi uint64, fn func(receipt.Receipt) error) error {
	if lo > hi {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, lo, hi)
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = receiptPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		expect := lo
		for it.Seek(receiptKey(lo)); it.ValidForPrefix(receiptPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var r receipt.Receipt
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return fmt.Errorf("decode receipt at %d: %w", expect, err)
			}
			if r.Sequence > hi {
				return nil
			}
			if err := fn(r); err != nil {
				return err
			}
			expect = r.Sequence + 1
		}
		if expect <= hi {
			return fmt.Errorf("%w: hi %d beyond tail", ErrInvalidRange, hi)
		}
		return nil
	})
}

// Tail implements Store.
func (s *BadgerStore) Tail(ctx context.Context) (TailPointer, bool, error) {
	if err := ctx.Err(); err != nil {
		return TailPointer{}, false, err
	}

	var tp TailPointer
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tailKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get tail pointer: %w", err)
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tp)
		})
	})
	return tp, found, err
}

// Replace implements Store.
func (s *BadgerStore) Replace(ctx context.Context, r receipt.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt %d: %w", r.Sequence, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(receiptKey(r.Sequence)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: seq %d", ErrNotFound, r.Sequence)
		} else if err != nil {
			return fmt.Errorf("get receipt %d: %w", r.Sequence, err)
		}
		return txn.Set(receiptKey(r.Sequence), val)
	})
}

// TruncateAfter implements Store.
//
// The tail pointer moves first, in its own transaction: once it points
// at the restore sequence, receipts beyond it are unreachable, so a
// crash mid-delete leaves only unreferenced garbage, not a broken
// chain. Deletes then proceed in batches to stay under Badger's
// transaction size limit.
func (s *BadgerStore) TruncateAfter(ctx context.Context, seq uint64) (uint64, error) {
	restore, err := s.Get(ctx, seq)
	if err != nil {
		return 0, err
	}

	tp, ok, err := s.Tail(ctx)
	if err != nil {
		return 0, err
	}
	if !ok || tp.Sequence <= seq {
		return 0, nil
	}

	tail, err := json.Marshal(TailPointer{Sequence: restore.Sequence, ChainHash: restore.ChainHash})
	if err != nil {
		return 0, fmt.Errorf("marshal tail pointer: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tailKey, tail)
	})
	if err != nil {
		return 0, fmt.Errorf("rewind tail pointer: %w", err)
	}

	const batch = 1024
	removed := uint64(0)
	for next := seq + 1; next <= tp.Sequence; {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		end := next + batch - 1
		if end > tp.Sequence {
			end = tp.Sequence
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			for i := next; i <= end; i++ {
				if err := txn.Delete(receiptKey(i)); err != nil {
					return fmt.Errorf("delete receipt %d: %w", i, err)
				}
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed += end - next + 1
		next = end + 1
	}
	return removed, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Sync flushes pending writes to disk. No-op for in-memory stores.
func (s *BadgerStore) Sync() error {
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

// Ensure BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)

// =============================================================================
// Value Log GC
// =============================================================================

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// RunValueLogGC returns nil if GC was triggered, ErrNoRewrite if
	// nothing needed collecting.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("ledger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		if r.logger != nil {
			r.logger.Warn("ledger value log GC error", slog.String("error", err.Error()))
		}
	}
}
