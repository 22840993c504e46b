package query

import (
	"strings"
	"time"

	"multical/internal/model"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate parses a YYYY-MM-DD civil date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, errorf("parse_date", "invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

// ParseTime accepts RFC 3339, a local date-time or a plain date. Values
// without an offset are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, errorf("parse_time", "invalid time %q", s)
}

// Midnight returns the start of t's calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DayWindow is [00:00, next 00:00) of t's day in loc. The window is not
// always 24h long on DST transition days.
func DayWindow(t time.Time, loc *time.Location) model.Window {
	from := Midnight(t, loc)
	return model.Window{From: from, Until: from.AddDate(0, 0, 1)}
}

// TomorrowWindow is the day after the one containing t.
func TomorrowWindow(t time.Time, loc *time.Location) model.Window {
	return DayWindow(Midnight(t, loc).AddDate(0, 0, 1), loc)
}

// WeekWindow is the seven-day week containing t, starting on weekStart.
func WeekWindow(t time.Time, loc *time.Location, weekStart time.Weekday) model.Window {
	from := Midnight(t, loc)
	back := (int(from.Weekday()) - int(weekStart) + 7) % 7
	from = from.AddDate(0, 0, -back)
	return model.Window{From: from, Until: from.AddDate(0, 0, 7)}
}

// MonthWindow is the calendar month containing t.
func MonthWindow(t time.Time, loc *time.Location) model.Window {
	t = t.In(loc)
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return model.Window{From: from, Until: from.AddDate(0, 1, 0)}
}

// ParseWeekday maps "monday"/"sunday" (any case) to a weekday; anything
// else is Monday.
func ParseWeekday(s string) time.Weekday {
	if strings.EqualFold(strings.TrimSpace(s), "sunday") {
		return time.Sunday
	}
	return time.Monday
}
