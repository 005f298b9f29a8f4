// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import "testing"

func TestInitMetrics_Singleton(t *testing.T) {
	first := InitMetrics()
	second := InitMetrics()

	if first == nil {
		t.Fatal("InitMetrics() = nil")
	}
	if first != second {
		t.Error("InitMetrics() returned different instances")
	}
	if DefaultMetrics != first {
		t.Error("DefaultMetrics not set to the initialized instance")
	}
}

func TestInitMetrics_CollectorsUsable(t *testing.T) {
	m := InitMetrics()

	// Exercise each collector once; promauto panics on bad labels.
	m.AppendsTotal.WithLabelValues("ingest_receipt").Inc()
	m.AppendDurationSeconds.Observe(0.002)
	m.VerifyDurationSeconds.Observe(0.05)
	m.IngestDurationSeconds.Observe(0.1)
	m.ScoresTotal.WithLabelValues("suspicious").Inc()
	m.CorrelationFlagsTotal.Inc()
	m.PatternMatchesTotal.WithLabelValues("feeding_our_future").Inc()
	m.ChainLength.Set(42)
	m.AnchorLagReceipts.Set(7)
}
