package cadence_test

import (
	"testing"
	"time"

	"sitewarden/internal/cadence"
)

func TestResolveIndices(t *testing.T) {
	// renewMonth=6 (June, r=5): pre=April(3), report=May(4), mid=October(9).
	idx := cadence.Resolve(6)
	if idx.Pre != 3 || idx.Report != 4 || idx.Mid != 9 {
		t.Fatalf("renewMonth=6: got %+v", idx)
	}
	// Wrap-around: renewMonth=1 (r=0): pre=November(10), report=December(11), mid=May(4).
	idx = cadence.Resolve(1)
	if idx.Pre != 10 || idx.Report != 11 || idx.Mid != 4 {
		t.Fatalf("renewMonth=1: got %+v", idx)
	}
}

func TestResolveIndicesNeverCollide(t *testing.T) {
	for m := 1; m <= 12; m++ {
		idx := cadence.Resolve(m)
		if idx.Pre == idx.Report || idx.Pre == idx.Mid || idx.Report == idx.Mid {
			t.Errorf("renewMonth=%d: colliding indices %+v", m, idx)
		}
	}
}

func TestGenerateFullYear(t *testing.T) {
	now := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	entries := cadence.Generate(6, cadence.Window{BackfillMonths: 0, ForwardMonths: 11}, now, false)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries over a full year, got %d: %+v", len(entries), entries)
	}
	want := []struct {
		iso  string
		kind string
	}{
		{"2025-04-01", cadence.KindMaintenance},
		{"2025-05-01", cadence.KindReport},
		{"2025-10-01", cadence.KindMaintenance},
	}
	for i, w := range want {
		if entries[i].ISO != w.iso || entries[i].Kind != w.kind {
			t.Errorf("entry %d: got (%s,%s), want (%s,%s)", i, entries[i].ISO, entries[i].Kind, w.iso, w.kind)
		}
	}
	if !entries[0].Labels.PreRenewal || entries[0].Labels.ReportDue || entries[0].Labels.MidYear {
		t.Errorf("April labels wrong: %+v", entries[0].Labels)
	}
	if !entries[1].Labels.ReportDue {
		t.Errorf("May should be report-due: %+v", entries[1].Labels)
	}
	if !entries[2].Labels.MidYear {
		t.Errorf("October should be mid-year: %+v", entries[2].Labels)
	}
}

func TestGenerateEmptyWindow(t *testing.T) {
	// January matches none of renewMonth=6's indices.
	now := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	entries := cadence.Generate(6, cadence.Window{}, now, false)
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}

func TestGenerateSingleMatchingMonth(t *testing.T) {
	// Window covering only May 2025 for renewMonth=6 emits the report.
	now := time.Date(2025, time.May, 20, 0, 0, 0, 0, time.UTC)
	entries := cadence.Generate(6, cadence.Window{}, now, false)
	if len(entries) != 1 || entries[0].ISO != "2025-05-01" || entries[0].Kind != cadence.KindReport {
		t.Fatalf("got %+v", entries)
	}
}

func TestGenerateBackfillCrossesYears(t *testing.T) {
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	entries := cadence.Generate(6, cadence.Window{BackfillMonths: 12, ForwardMonths: 11}, now, false)
	// Two full yearly cycles: Apr/May/Oct 2024 and Apr/May/Oct 2025.
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].ISO != "2024-04-01" || entries[5].ISO != "2025-10-01" {
		t.Fatalf("window edges wrong: first=%s last=%s", entries[0].ISO, entries[5].ISO)
	}
}

func TestGenerateBusinessDayVariant(t *testing.T) {
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	entries := cadence.Generate(6, cadence.Window{}, now, true)
	if len(entries) != 1 {
		t.Fatalf("got %+v", entries)
	}
	// 2025-05-31 is a Saturday; last weekday is Friday the 30th.
	if entries[0].ISO != "2025-05-30" {
		t.Fatalf("business-day date: got %s", entries[0].ISO)
	}
}

func TestGenerateStableAcrossYears(t *testing.T) {
	w := cadence.Window{BackfillMonths: 0, ForwardMonths: 11}
	for year := 2020; year <= 2030; year++ {
		now := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		entries := cadence.Generate(9, w, now, false)
		if len(entries) != 3 {
			t.Fatalf("year %d: expected 3 entries, got %d", year, len(entries))
		}
	}
}

func TestWindowClamp(t *testing.T) {
	w := cadence.Window{BackfillMonths: -5, ForwardMonths: 999}.Clamp()
	if w.BackfillMonths != 0 || w.ForwardMonths != 60 {
		t.Fatalf("got %+v", w)
	}
}

func TestCoerceRenewMonth(t *testing.T) {
	now := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	if got := cadence.CoerceRenewMonth(0, now); got != 3 {
		t.Fatalf("coerce 0: got %d", got)
	}
	if got := cadence.CoerceRenewMonth(13, now); got != 3 {
		t.Fatalf("coerce 13: got %d", got)
	}
	if got := cadence.CoerceRenewMonth(7, now); got != 7 {
		t.Fatalf("valid month changed: got %d", got)
	}
}
