package ics

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "multical/internal/log"
)

// Calendar is a parsed feed document.
type Calendar struct {
	// Name, Description and TimeZone come from X-WR-CALNAME (or NAME),
	// X-WR-CALDESC and X-WR-TIMEZONE.
	Name        string
	Description string
	TimeZone    string

	Events []Event

	// Skipped counts VEVENTs that could not be used (no UID, no DTSTART,
	// unparseable times).
	Skipped int
}

// Event is the normalized representation of one VEVENT. Recurrence is
// recorded, not expanded; see Expand.
type Event struct {
	UID      string
	Sequence int

	Summary     string
	Description string
	Location    string
	Status      string

	// Start keeps the event's own zone so recurrence follows its wall clock.
	// For all-day events Start is midnight in the configured zone.
	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	RDates  []time.Time
	ExDates []time.Time

	// RecurrenceID is set on overrides: the original start of the instance
	// this VEVENT replaces.
	RecurrenceID *time.Time
	ridIsDate    bool
}

// IsOverride reports whether the event replaces one instance of a
// recurring event.
func (e Event) IsOverride() bool {
	return e.RecurrenceID != nil
}

// IsRecurring reports whether the event has a rule or extra dates.
func (e Event) IsRecurring() bool {
	return e.RRule != "" || len(e.RDates) > 0
}

func (e Event) recurrenceKey() string {
	if e.RecurrenceID == nil {
		return ""
	}
	return recurrenceKey(*e.RecurrenceID, e.ridIsDate)
}

// Cancelled reports whether STATUS is CANCELLED.
func (e Event) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

// Parse decodes a fetched document. Floating times and times whose TZID is
// unknown are interpreted in loc. A blank body yields a ParseError of kind
// empty; anything the iCalendar decoder rejects yields kind malformed.
func Parse(doc Document, loc *time.Location) (*Calendar, error) {
	return ParseBytes(doc.Body, loc)
}

// ParseBytes is Parse for a raw payload.
func ParseBytes(body []byte, loc *time.Location) (*Calendar, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Kind: ParseEmpty}
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Kind: ParseMalformed, Err: err}
	}
	if cal == nil {
		return nil, &ParseError{Kind: ParseMalformed, Err: errors.New("no VCALENDAR")}
	}

	out := &Calendar{}
	for _, p := range cal.CalendarProperties {
		switch ical.Property(p.IANAToken) {
		case ical.PropertyXWRCalName:
			out.Name = p.Value
		case ical.PropertyName:
			if out.Name == "" {
				out.Name = p.Value
			}
		case ical.PropertyXWRCalDesc:
			out.Description = p.Value
		case ical.PropertyXWRTimezone:
			out.TimeZone = p.Value
		}
	}

	zones := newZoneCache(loc)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve, zones)
		if perr != nil {
			out.Skipped++
			appLog.Debug("ics vevent skipped", "err", perr)
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, zones *zoneCache) (Event, error) {
	var out Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Sequence = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := zones.parseTime(startProp.Value, startProp.ICalParameters)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	end, err := eventEnd(ve, zones, start, allDay)
	if err != nil {
		return out, err
	}
	out.End = end

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}
	out.RDates = zones.parseTimeList(ve.GetProperties(ical.ComponentPropertyRdate))
	out.ExDates = zones.parseTimeList(ve.GetProperties(ical.ComponentPropertyExdate))

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		rid, isDate, err := zones.parseTime(p.Value, p.ICalParameters)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.RecurrenceID = &rid
		out.ridIsDate = isDate
	}

	return out, nil
}

// eventEnd resolves DTEND, falling back to DURATION, then to one day for
// all-day events and zero length for timed events. The result never precedes
// start, and an all-day event always covers at least one day.
func eventEnd(ve *ical.VEvent, zones *zoneCache, start time.Time, allDay bool) (time.Time, error) {
	var end time.Time
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		t, _, err := zones.parseTime(p.Value, p.ICalParameters)
		if err != nil {
			return time.Time{}, fmt.Errorf("DTEND: %w", err)
		}
		end = t
	} else if p := ve.GetProperty(ical.ComponentPropertyDuration); p != nil {
		d, err := parseDuration(p.Value)
		if err != nil {
			return time.Time{}, fmt.Errorf("DURATION: %w", err)
		}
		end = d.addTo(start)
	} else if allDay {
		end = start.AddDate(0, 0, 1)
	} else {
		end = start
	}

	if allDay {
		days := allDayLength(start, end)
		return start.AddDate(0, 0, days), nil
	}
	if end.Before(start) {
		return start, nil
	}
	return end, nil
}

// allDayLength returns the number of calendar days covered, at least one.
func allDayLength(start, end time.Time) int {
	days := int(math.Round(end.Sub(start).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

// zoneCache resolves TZID parameters once per document.
type zoneCache struct {
	fallback *time.Location
	zones    map[string]*time.Location
}

func newZoneCache(fallback *time.Location) *zoneCache {
	return &zoneCache{fallback: fallback, zones: make(map[string]*time.Location)}
}

func (z *zoneCache) lookup(tzid string) *time.Location {
	tzid = strings.Trim(strings.TrimSpace(tzid), `"`)
	if tzid == "" {
		return z.fallback
	}
	if loc, ok := z.zones[tzid]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		// Vendor prefixes such as "/mozilla.org/20050126_1/Europe/Berlin".
		parts := strings.Split(strings.Trim(tzid, "/"), "/")
		if len(parts) >= 2 {
			loc, err = time.LoadLocation(strings.Join(parts[len(parts)-2:], "/"))
		}
	}
	if err != nil {
		appLog.Debug("ics unknown TZID; using configured zone", "tzid", tzid, "zone", z.fallback.String())
		loc = z.fallback
	}
	z.zones[tzid] = loc
	return loc
}

// parseTime parses a DATE or DATE-TIME value. Dates become midnight in the
// configured zone and report allDay.
func (z *zoneCache) parseTime(value string, params map[string][]string) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	isDate := !strings.Contains(v, "T")
	if vs := params[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if isDate {
		if len(v) > 8 {
			v = v[:8]
		}
		t, err := time.ParseInLocation("20060102", v, z.fallback)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	loc := z.fallback
	if tz := params[string(ical.ParameterTzid)]; len(tz) > 0 {
		loc = z.lookup(tz[0])
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

// parseTimeList flattens comma-separated EXDATE/RDATE properties. PERIOD
// values contribute their start. Unparseable entries are dropped.
func (z *zoneCache) parseTimeList(props []*ical.IANAProperty) []time.Time {
	var out []time.Time
	for _, p := range props {
		for part := range strings.SplitSeq(p.Value, ",") {
			part, _, _ = strings.Cut(strings.TrimSpace(part), "/")
			if part == "" {
				continue
			}
			t, _, err := z.parseTime(part, p.ICalParameters)
			if err != nil {
				appLog.Debug("ics date list entry skipped", "value", part, "err", err)
				continue
			}
			out = append(out, t)
		}
	}
	return out
}
