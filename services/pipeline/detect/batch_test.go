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
	"context"
	"fmt"
	"testing"
)

func TestScoreBatch_PreservesOrder(t *testing.T) {
	s := NewScorer()

	records := []Record{
		{SubjectID: "vendor-000", Data: repetitiveRecord(200)},
		{SubjectID: "vendor-001", Data: noisyRecord(10*1024, 1)},
		{SubjectID: "vendor-002", Data: repetitiveRecord(200)},
	}

	scores, err := s.ScoreBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if len(scores) != 3 {
		t.Fatalf("len(scores) = %d, want 3", len(scores))
	}
	for i, score := range scores {
		if want := records[i].SubjectID; score.SubjectID != want {
			t.Fatalf("scores[%d].SubjectID = %q, want %q", i, score.SubjectID, want)
		}
	}
	if scores[0].Classification != ClassLegitimate ||
		scores[1].Classification != ClassFraudulent ||
		scores[2].Classification != ClassLegitimate {
		t.Fatalf("classifications = %v %v %v, want legitimate fraudulent legitimate",
			scores[0].Classification, scores[1].Classification, scores[2].Classification)
	}
}

func TestScoreBatch_Empty(t *testing.T) {
	scores, err := NewScorer().ScoreBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("ScoreBatch(nil): %v", err)
	}
	if len(scores) != 0 {
		t.Fatalf("len(scores) = %d, want 0", len(scores))
	}
}

func TestScoreBatch_Deterministic(t *testing.T) {
	s := NewScorer()

	records := make([]Record, 64)
	for i := range records {
		records[i] = Record{
			SubjectID: fmt.Sprintf("vendor-%03d", i),
			Data:      repetitiveRecord(50 + i),
		}
	}

	first, err := s.ScoreBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	second, err := s.ScoreBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("scores[%d] differ across runs: %+v != %+v", i, first[i], second[i])
		}
	}
}

func TestScoreBatch_CanceledContext(t *testing.T) {
	s := NewScorer()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []Record{{SubjectID: "vendor-000", Data: repetitiveRecord(10)}}
	if _, err := s.ScoreBatch(ctx, records); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestScoreWindows(t *testing.T) {
	s := NewScorer()

	// 100 regular records followed by 100 noisy ones: the first
	// window is clean, the second is not.
	records := make([][]byte, 200)
	for i := 0; i < 100; i++ {
		records[i] = repetitiveRecord(4)
	}
	for i := 100; i < 200; i++ {
		records[i] = noisyRecord(120, int64(i))
	}

	report, err := s.ScoreWindows(context.Background(), records, 100)
	if err != nil {
		t.Fatalf("ScoreWindows: %v", err)
	}
	if report.TotalRecords != 200 || len(report.Windows) != 2 {
		t.Fatalf("report = %+v, want 200 records in 2 windows", report)
	}
	if report.Windows[0].Classification != ClassLegitimate {
		t.Fatalf("clean window classified %v", report.Windows[0].Classification)
	}
	if report.Windows[1].Classification == ClassLegitimate {
		t.Fatal("noisy window classified legitimate")
	}
	if report.SuspiciousWindows != 1 {
		t.Fatalf("SuspiciousWindows = %d, want 1", report.SuspiciousWindows)
	}
}

func TestScoreWindows_PartialTail(t *testing.T) {
	s := NewScorer()

	records := make([][]byte, 250)
	for i := range records {
		records[i] = repetitiveRecord(3)
	}

	report, err := s.ScoreWindows(context.Background(), records, 100)
	if err != nil {
		t.Fatalf("ScoreWindows: %v", err)
	}
	if len(report.Windows) != 3 {
		t.Fatalf("len(Windows) = %d, want 3", len(report.Windows))
	}
	last := report.Windows[2]
	if last.StartIndex != 200 || last.Count != 50 {
		t.Fatalf("tail window = %+v, want start 200 count 50", last)
	}
}

func TestScoreWindows_DefaultSize(t *testing.T) {
	s := NewScorer()

	records := make([][]byte, DefaultWindowSize+1)
	for i := range records {
		records[i] = repetitiveRecord(2)
	}

	report, err := s.ScoreWindows(context.Background(), records, 0)
	if err != nil {
		t.Fatalf("ScoreWindows: %v", err)
	}
	if report.WindowSize != DefaultWindowSize || len(report.Windows) != 2 {
		t.Fatalf("report = %+v, want default window size and 2 windows", report)
	}
}
