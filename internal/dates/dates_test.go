package dates_test

import (
	"testing"
	"time"

	"sitewarden/internal/dates"
)

func TestAddMonthsCarriesYear(t *testing.T) {
	d := dates.FirstOfMonth(2024, 10) // November 2024
	got := dates.AddMonths(d, 3)
	want := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("forward carry: got %v want %v", got, want)
	}
	got = dates.AddMonths(d, -12)
	want = time.Date(2023, time.November, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("backward carry: got %v want %v", got, want)
	}
}

func TestAddMonthsNormalizesToFirst(t *testing.T) {
	d := time.Date(2024, time.March, 31, 15, 4, 5, 0, time.UTC)
	got := dates.AddMonths(d, 1)
	want := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLastWeekdayOfMonth(t *testing.T) {
	cases := []struct {
		year   int
		month0 int
		want   time.Time
	}{
		// 2025-08-31 is a Sunday; steps back to Friday the 29th.
		{2025, 7, time.Date(2025, time.August, 29, 0, 0, 0, 0, time.UTC)},
		// 2024-11-30 is a Saturday; steps back to Friday the 29th.
		{2024, 10, time.Date(2024, time.November, 29, 0, 0, 0, 0, time.UTC)},
		// 2024-10-31 is a Thursday; kept as-is.
		{2024, 9, time.Date(2024, time.October, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := dates.LastWeekdayOfMonth(c.year, c.month0)
		if !got.Equal(c.want) {
			t.Errorf("LastWeekdayOfMonth(%d,%d) = %v, want %v", c.year, c.month0, got, c.want)
		}
		if wd := got.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("LastWeekdayOfMonth(%d,%d) landed on %v", c.year, c.month0, wd)
		}
	}
}

func TestISODateRoundTrip(t *testing.T) {
	d := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	s := dates.ISODate(d)
	if s != "2025-05-01" {
		t.Fatalf("unexpected iso date %q", s)
	}
	back, err := dates.ParseISODate(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(d) {
		t.Fatalf("round trip: got %v want %v", back, d)
	}
}

func TestTodayUTC(t *testing.T) {
	now := time.Date(2025, time.June, 15, 23, 59, 59, 0, time.FixedZone("X", 3*3600))
	got := dates.TodayUTC(now)
	want := time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
