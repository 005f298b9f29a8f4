// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// The compressor is frozen: algorithm, level, and implementation are
// part of the scoring model. Historical classifications are only
// comparable while CompressorVersion is unchanged; changing any of it
// is a model rollback, not a config tweak.
const (
	compressorLevel = 6
	// CompressorVersion identifies the frozen compressor. Recorded so
	// scores can be traced to the model that produced them.
	CompressorVersion = "gzip-l6-v1"
)

// countWriter counts bytes written and discards them. The ratio needs
// only the compressed size, never the compressed bytes.
type countWriter struct {
	n int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// writerPool reuses gzip writers across scoring calls.
var writerPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, compressorLevel)
		return w
	},
}

// Compressor computes compression ratios with the frozen compressor.
//
// Thread Safety: safe for concurrent use; each call borrows a pooled
// writer.
type Compressor struct{}

// NewCompressor returns the pinned-compressor instance.
func NewCompressor() *Compressor { return &Compressor{} }

// Version returns the frozen compressor identifier.
func (c *Compressor) Version() string { return CompressorVersion }

// Ratio computes compressed size ÷ original size. Empty input returns
// 0.0. Predictable data compresses well (low ratio); random or
// structured-to-evade data does not (high ratio).
func (c *Compressor) Ratio(data []byte) (float64, error) {
	if len(data) == 0 {
		return 0.0, nil
	}

	cw := &countWriter{}
	zw := writerPool.Get().(*gzip.Writer)
	defer writerPool.Put(zw)
	zw.Reset(cw)

	if _, err := zw.Write(data); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCompress, err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCompress, err)
	}

	return float64(cw.n) / float64(len(data)), nil
}
