// Package query answers read-only questions against one published snapshot.
// An Engine never sees a refresh that lands while it is in use.
package query

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"multical/internal/index"
	"multical/internal/model"
)

// DefaultUpcomingLimit is used by Upcoming when limit <= 0.
const DefaultUpcomingLimit = 20

// Engine evaluates queries over a single snapshot. It is safe for concurrent
// use; the With* methods return modified copies.
type Engine struct {
	snap      *index.Snapshot
	loc       *time.Location
	weekStart time.Weekday
	feeds     map[string]bool
}

// New returns an engine over snap with days computed in loc.
func New(snap *index.Snapshot, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{snap: snap, loc: loc, weekStart: time.Monday}
}

// WithWeekStart returns a copy whose Week starts on d.
func (e *Engine) WithWeekStart(d time.Weekday) *Engine {
	c := *e
	c.weekStart = d
	return &c
}

// WithFeeds returns a copy that only sees occurrences of the given feed ids.
// No ids means every feed.
func (e *Engine) WithFeeds(ids ...string) *Engine {
	c := *e
	c.feeds = nil
	if len(ids) > 0 {
		c.feeds = make(map[string]bool, len(ids))
		for _, id := range ids {
			c.feeds[id] = true
		}
	}
	return &c
}

// Generation of the snapshot the engine reads.
func (e *Engine) Generation() uint64 { return e.snap.Generation() }

func (e *Engine) Location() *time.Location { return e.loc }

// Snapshot returns the snapshot the engine reads.
func (e *Engine) Snapshot() *index.Snapshot { return e.snap }

// ByDate returns occurrences overlapping the calendar day of date in the
// engine's zone.
func (e *Engine) ByDate(date time.Time) []model.Occurrence {
	return e.window(DayWindow(date, e.loc))
}

// ByRange returns occurrences overlapping [from, until).
func (e *Engine) ByRange(from, until time.Time) ([]model.Occurrence, error) {
	if from.After(until) {
		return nil, errorf("by_range", "from %s is after until %s",
			from.Format(time.RFC3339), until.Format(time.RFC3339))
	}
	return e.window(model.Window{From: from, Until: until}), nil
}

// ByKeyword returns occurrences whose summary or location contains term,
// compared with Unicode case folding.
func (e *Engine) ByKeyword(term string) ([]model.Occurrence, error) {
	folder := cases.Fold()
	needle := folder.String(strings.TrimSpace(term))
	if needle == "" {
		return nil, errorf("by_keyword", "search term is empty")
	}
	return e.filter(func(o model.Occurrence) bool {
		return strings.Contains(folder.String(o.Summary), needle) ||
			strings.Contains(folder.String(o.Location), needle)
	}, 0), nil
}

// AfterDate returns the first limit occurrences starting at or after the
// start of date's day.
func (e *Engine) AfterDate(date time.Time, limit int) ([]model.Occurrence, error) {
	if limit <= 0 {
		return nil, errorf("after_date", "limit must be positive, got %d", limit)
	}
	return e.startingFrom(Midnight(date, e.loc), limit), nil
}

// Upcoming returns the next limit occurrences starting at or after now.
func (e *Engine) Upcoming(now time.Time, limit int) []model.Occurrence {
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}
	return e.startingFrom(now, limit)
}

// ByUID returns every instance of an event uid across feeds.
func (e *Engine) ByUID(uid string) []model.Occurrence {
	return e.filter(func(o model.Occurrence) bool { return o.UID == uid }, 0)
}

// Today returns the day window containing now and its occurrences.
func (e *Engine) Today(now time.Time) (model.Window, []model.Occurrence) {
	w := DayWindow(now, e.loc)
	return w, e.window(w)
}

// Tomorrow returns the day after now.
func (e *Engine) Tomorrow(now time.Time) (model.Window, []model.Occurrence) {
	w := TomorrowWindow(now, e.loc)
	return w, e.window(w)
}

// Week returns the week containing now.
func (e *Engine) Week(now time.Time) (model.Window, []model.Occurrence) {
	w := WeekWindow(now, e.loc, e.weekStart)
	return w, e.window(w)
}

// Month returns the calendar month containing now.
func (e *Engine) Month(now time.Time) (model.Window, []model.Occurrence) {
	w := MonthWindow(now, e.loc)
	return w, e.window(w)
}

// InWindow returns occurrences overlapping w. w must not be inverted.
func (e *Engine) InWindow(w model.Window) []model.Occurrence {
	return e.window(w)
}

func (e *Engine) window(w model.Window) []model.Occurrence {
	return e.filter(func(o model.Occurrence) bool { return o.Overlaps(w.From, w.Until) }, 0)
}

func (e *Engine) startingFrom(t time.Time, limit int) []model.Occurrence {
	return e.filter(func(o model.Occurrence) bool { return !o.Start.Before(t) }, limit)
}

// filter walks the merged, already ordered occurrences. limit <= 0 means no
// limit.
func (e *Engine) filter(keep func(model.Occurrence) bool, limit int) []model.Occurrence {
	out := []model.Occurrence{}
	for _, o := range e.snap.All() {
		if e.feeds != nil && !e.feeds[o.FeedID] {
			continue
		}
		if !keep(o) {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
