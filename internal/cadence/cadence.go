// Package cadence derives maintenance dates from a site's renewal month.
//
// A single renewal month anchors three category months per yearly cycle:
// the pre-renewal check two months before renewal, the report one month
// before renewal, and the mid-year check six months after pre-renewal.
package cadence

import (
	"time"

	"sitewarden/internal/dates"
)

const (
	KindMaintenance = "maintenance"
	KindReport      = "report"
)

// Labels marks which schedule categories a generated date satisfies.
type Labels struct {
	PreRenewal bool `json:"preRenewal"`
	ReportDue  bool `json:"reportDue"`
	MidYear    bool `json:"midYear"`
}

// Entry is one resolved schedule date.
type Entry struct {
	Date   time.Time `json:"-"`
	ISO    string    `json:"date"`
	Kind   string    `json:"kind"`
	Labels Labels    `json:"labels"`
}

// Window bounds schedule generation in whole months around the current month.
type Window struct {
	BackfillMonths int
	ForwardMonths  int
}

const maxWindowMonths = 60

// Clamp bounds both spans to [0, 60] months.
func (w Window) Clamp() Window {
	clamp := func(n int) int {
		if n < 0 {
			return 0
		}
		if n > maxWindowMonths {
			return maxWindowMonths
		}
		return n
	}
	return Window{BackfillMonths: clamp(w.BackfillMonths), ForwardMonths: clamp(w.ForwardMonths)}
}

// Indices holds the zero-based category months derived from a renewal month.
type Indices struct {
	Pre    int
	Report int
	Mid    int
}

// Resolve derives the three category month indices for renewMonth in 1..12.
func Resolve(renewMonth int) Indices {
	r := (renewMonth - 1 + 12) % 12
	pre := (r - 2 + 12) % 12
	return Indices{
		Pre:    pre,
		Report: (r - 1 + 12) % 12,
		Mid:    (pre + 6) % 12,
	}
}

// CoerceRenewMonth returns m if it is a valid month, otherwise the current
// month.
func CoerceRenewMonth(m int, now time.Time) int {
	if m < 1 || m > 12 {
		return int(now.UTC().Month())
	}
	return m
}

// Generate walks the window month by month and emits one entry for every
// month matching a category index. Months matching none are skipped, so a
// full-year window yields at most three entries. When businessDay is set,
// entries land on the last weekday of the month instead of the first day.
func Generate(renewMonth int, w Window, now time.Time, businessDay bool) []Entry {
	w = w.Clamp()
	idx := Resolve(renewMonth)

	thisMonth := dates.FirstOfMonth(now.UTC().Year(), dates.MonthIndex(now))
	windowEnd := dates.AddMonths(thisMonth, w.ForwardMonths)
	stop := dates.AddMonths(windowEnd, 1)

	var entries []Entry
	for cursor := dates.AddMonths(thisMonth, -w.BackfillMonths); cursor.Before(stop); cursor = dates.AddMonths(cursor, 1) {
		m := dates.MonthIndex(cursor)
		onPre := m == idx.Pre
		onReport := m == idx.Report
		onMid := m == idx.Mid
		if !onPre && !onReport && !onMid {
			continue
		}
		d := cursor
		if businessDay {
			d = dates.LastWeekdayOfMonth(cursor.Year(), m)
		}
		kind := KindMaintenance
		if onReport {
			kind = KindReport
		}
		entries = append(entries, Entry{
			Date:   d,
			ISO:    dates.ISODate(d),
			Kind:   kind,
			Labels: Labels{PreRenewal: onPre, ReportDue: onReport, MidYear: onMid},
		})
	}
	return entries
}
