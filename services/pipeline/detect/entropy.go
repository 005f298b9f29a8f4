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

import "math"

// Entropy computes Shannon entropy over the byte-value distribution of
// data, in bits per byte. 0.0 for empty or single-valued input; 8.0
// for a uniform distribution over all 256 values.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// FieldEntropy computes Shannon entropy over a categorical value
// distribution, in bits. High entropy means the field is close to
// unique per record; low entropy means a few values dominate.
func FieldEntropy(values []string) float64 {
	if len(values) == 0 {
		return 0.0
	}

	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}

	total := float64(len(values))
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
