// Package dates provides the calendar arithmetic the scheduler is built on.
// Everything operates on UTC calendar days so generated dates are identical
// regardless of where an installation runs.
package dates

import "time"

// FirstOfMonth returns midnight UTC on the first day of the given month.
// month0 is zero-based (January = 0) and may carry outside 0..11; overflow
// rolls into the adjacent year.
func FirstOfMonth(year, month0 int) time.Time {
	return time.Date(year, time.Month(month0+1), 1, 0, 0, 0, 0, time.UTC)
}

// AddMonths normalizes d to the first of its month and moves it n months,
// forward or backward, carrying year overflow.
func AddMonths(d time.Time, n int) time.Time {
	return FirstOfMonth(d.UTC().Year(), int(d.UTC().Month())-1+n)
}

// LastWeekdayOfMonth returns the last calendar day of the month, stepped
// backward past Saturday and Sunday to the preceding weekday.
func LastWeekdayOfMonth(year, month0 int) time.Time {
	d := FirstOfMonth(year, month0+1).AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// MonthIndex returns the zero-based month of d in UTC.
func MonthIndex(d time.Time) int {
	return int(d.UTC().Month()) - 1
}

// ISODate renders d as YYYY-MM-DD at UTC midnight.
func ISODate(d time.Time) string {
	return d.UTC().Format("2006-01-02")
}

// ParseISODate parses a YYYY-MM-DD string to midnight UTC.
func ParseISODate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

// TodayUTC truncates now to midnight UTC.
func TodayUTC(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
