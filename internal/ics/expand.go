package ics

import (
	"errors"
	"iter"
	"time"

	"github.com/teambition/rrule-go"

	appLog "multical/internal/log"
	"multical/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	// maxScannedInstances bounds rule iteration for masters that started
	// long before the window (e.g. FREQ=MINUTELY since 1970).
	maxScannedInstances = 500000
)

// ExpandOptions controls recurrence expansion.
type ExpandOptions struct {
	// Location is the zone every occurrence is converted into.
	Location *time.Location

	// From / Until bound the window; an occurrence is emitted when its span
	// intersects [From, Until).
	From  time.Time
	Until time.Time

	// FeedID and FeedName are stamped on every occurrence.
	FeedID   string
	FeedName string

	// MaxPerEvent caps the occurrences emitted for one master. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxPerEvent int
}

// Expand returns the occurrences of cal that intersect the window. The
// sequence is lazy and can be ranged over any number of times; each pass
// re-expands from the parsed calendar.
//
// Handling:
//   - non-recurring events are emitted when they intersect the window
//   - RRULE/RDATE masters are expanded with EXDATE exclusions
//   - a VEVENT with RECURRENCE-ID replaces the ruled instance with the same
//     original start; STATUS:CANCELLED on it removes the instance
//   - all-day spans are [00:00, next 00:00) in Location
func Expand(cal *Calendar, opts ExpandOptions) iter.Seq[model.Occurrence] {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxPerEvent <= 0 {
		opts.MaxPerEvent = defaultMaxOccurrencesPerEvent
	}

	return func(yield func(model.Occurrence) bool) {
		if cal == nil || !opts.Until.After(opts.From) {
			return
		}

		overrides := make(map[string]map[string]int)
		for i, ev := range cal.Events {
			if !ev.IsOverride() {
				continue
			}
			byRID := overrides[ev.UID]
			if byRID == nil {
				byRID = make(map[string]int)
				overrides[ev.UID] = byRID
			}
			key := ev.recurrenceKey()
			// Highest SEQUENCE wins when a feed carries stale copies.
			if prev, ok := byRID[key]; !ok || ev.Sequence >= cal.Events[prev].Sequence {
				byRID[key] = i
			}
		}

		for _, ev := range cal.Events {
			if ev.IsOverride() {
				continue
			}
			if !expandMaster(ev, overrides[ev.UID], opts, yield) {
				return
			}
		}

		// Overrides are emitted on their own span, which may have moved
		// into or out of the window. Orphans (no master) are kept too.
		for i, ev := range cal.Events {
			if !ev.IsOverride() || ev.Cancelled() {
				continue
			}
			key := ev.recurrenceKey()
			if overrides[ev.UID][key] != i {
				continue
			}
			occ := makeOccurrence(ev, ev.Start, ev.End, key, opts)
			if occ.Overlaps(opts.From, opts.Until) && !yield(occ) {
				return
			}
		}
	}
}

// expandMaster emits the instances of one master event. It returns false
// when the consumer stopped iteration.
func expandMaster(ev Event, overrides map[string]int, opts ExpandOptions, yield func(model.Occurrence) bool) bool {
	if ev.Cancelled() {
		return true
	}

	if !ev.IsRecurring() {
		if _, replaced := overrides[recurrenceKey(ev.Start, ev.AllDay)]; replaced {
			return true
		}
		occ := makeOccurrence(ev, ev.Start, ev.End, "", opts)
		if occ.Overlaps(opts.From, opts.Until) {
			return yield(occ)
		}
		return true
	}

	next, err := instanceIterator(ev)
	if err != nil {
		appLog.Warn("expand: bad recurrence rule; using first instance only", "uid", ev.UID, "rrule", ev.RRule, "err", err)
		occ := makeOccurrence(ev, ev.Start, ev.End, recurrenceKey(ev.Start, ev.AllDay), opts)
		if occ.Overlaps(opts.From, opts.Until) {
			return yield(occ)
		}
		return true
	}

	emitted, scanned := 0, 0
	for {
		start, ok := next()
		if !ok {
			return true
		}
		if !start.Before(opts.Until) {
			return true
		}
		scanned++
		if scanned > maxScannedInstances {
			appLog.Error("expand: recurrence scan limit reached", errors.New("too many instances before window"),
				"uid", ev.UID, "limit", maxScannedInstances)
			return true
		}

		end := instanceEnd(ev, start)
		key := recurrenceKey(start, ev.AllDay)
		if _, replaced := overrides[key]; replaced {
			continue
		}
		occ := makeOccurrence(ev, start, end, key, opts)
		if !occ.Overlaps(opts.From, opts.Until) {
			continue
		}
		if emitted >= opts.MaxPerEvent {
			appLog.Warn("expand: occurrences truncated", "uid", ev.UID, "cap", opts.MaxPerEvent)
			return true
		}
		emitted++
		if !yield(occ) {
			return false
		}
	}
}

// instanceIterator builds the rrule set for a master. DTSTART always counts
// as the first instance, even when it does not match the rule, and it uses
// up one of the rule's COUNT.
func instanceIterator(ev Event) (func() (time.Time, bool), error) {
	var set rrule.Set
	if ev.RRule != "" {
		opt, err := rrule.StrToROptionInLocation(ev.RRule, ev.Start.Location())
		if err != nil {
			return nil, err
		}
		opt.Dtstart = ev.Start
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, err
		}
		if opt.Count > 0 && !r.After(ev.Start, true).Equal(ev.Start) {
			opt.Count--
			r = nil
			if opt.Count > 0 {
				if r, err = rrule.NewRRule(*opt); err != nil {
					return nil, err
				}
			}
		}
		if r != nil {
			set.RRule(r)
		}
	}
	set.DTStart(ev.Start)
	set.RDate(ev.Start)
	for _, rd := range ev.RDates {
		set.RDate(rd)
	}
	for _, ex := range ev.ExDates {
		set.ExDate(ex)
	}
	return set.Iterator(), nil
}

func instanceEnd(ev Event, start time.Time) time.Time {
	if ev.AllDay {
		return start.AddDate(0, 0, allDayLength(ev.Start, ev.End))
	}
	return start.Add(ev.End.Sub(ev.Start))
}

// recurrenceKey formats an instance's original start: a date for all-day
// events, a UTC date-time otherwise.
func recurrenceKey(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("20060102")
	}
	return t.UTC().Format("20060102T150405Z")
}

func makeOccurrence(ev Event, start, end time.Time, rid string, opts ExpandOptions) model.Occurrence {
	start = start.In(opts.Location)
	end = end.In(opts.Location)
	if ev.AllDay {
		// Re-anchor on the configured zone so the span is exactly one
		// local calendar day per day of the event.
		days := allDayLength(start, end)
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, opts.Location)
		end = start.AddDate(0, 0, days)
	}
	if end.Before(start) {
		end = start
	}
	return model.Occurrence{
		FeedID:       opts.FeedID,
		FeedName:     opts.FeedName,
		UID:          ev.UID,
		RecurrenceID: rid,
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Status:       ev.Status,
		AllDay:       ev.AllDay,
		Start:        start,
		End:          end,
	}
}
