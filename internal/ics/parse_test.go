package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multical/internal/testutil"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseEmptyAndMalformed(t *testing.T) {
	_, err := ParseBytes([]byte("  \r\n "), time.UTC)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ParseEmpty, pe.Kind)

	_, err = ParseBytes([]byte("<html><body>login required</body></html>"), time.UTC)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ParseMalformed, pe.Kind)
	assert.Equal(t, "parse_malformed", pe.Reason())
}

func TestParseCalendarProperties(t *testing.T) {
	body := testutil.ICS("Team Calendar", testutil.Event{
		UID:     "a@example.com",
		Summary: `Planning\, Q3`,
		Lines: []string{
			"DTSTART:20240601T100000Z",
			"DTEND:20240601T110000Z",
			"LOCATION:Room 1",
			"DESCRIPTION:line one\\nline two",
			"STATUS:confirmed",
		},
	})

	cal, err := ParseBytes([]byte(body), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Team Calendar", cal.Name)
	require.Len(t, cal.Events, 1)

	ev := cal.Events[0]
	assert.Equal(t, "a@example.com", ev.UID)
	assert.Equal(t, "Planning, Q3", ev.Summary)
	assert.Equal(t, "Room 1", ev.Location)
	assert.Equal(t, "line one\nline two", ev.Description)
	assert.Equal(t, "CONFIRMED", ev.Status)
	assert.False(t, ev.AllDay)
	assert.True(t, ev.Start.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Hour, ev.End.Sub(ev.Start))
}

func TestParseTimeForms(t *testing.T) {
	seoul := mustLoad(t, "Asia/Seoul")
	berlin := mustLoad(t, "Europe/Berlin")

	body := testutil.ICS("",
		testutil.Event{UID: "floating", Lines: []string{"DTSTART:20240601T090000", "DTEND:20240601T093000"}},
		testutil.Event{UID: "zoned", Lines: []string{"DTSTART;TZID=Europe/Berlin:20240601T090000", "DURATION:PT45M"}},
		testutil.Event{UID: "vendor", Lines: []string{"DTSTART;TZID=/mozilla.org/20050126_1/Europe/Berlin:20240601T090000"}},
		testutil.Event{UID: "unknown-tz", Lines: []string{"DTSTART;TZID=Narnia/Cair_Paravel:20240601T090000"}},
		testutil.Event{UID: "allday", Lines: []string{"DTSTART;VALUE=DATE:20240601", "DTEND;VALUE=DATE:20240603"}},
		testutil.Event{UID: "allday-noend", Lines: []string{"DTSTART;VALUE=DATE:20240601"}},
		testutil.Event{UID: "backwards", Lines: []string{"DTSTART:20240601T100000Z", "DTEND:20240601T090000Z"}},
	)

	cal, err := ParseBytes([]byte(body), seoul)
	require.NoError(t, err)
	require.Len(t, cal.Events, 7)
	byUID := map[string]Event{}
	for _, ev := range cal.Events {
		byUID[ev.UID] = ev
	}

	assert.True(t, byUID["floating"].Start.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, seoul)))
	assert.Equal(t, 30*time.Minute, byUID["floating"].End.Sub(byUID["floating"].Start))

	assert.True(t, byUID["zoned"].Start.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, berlin)))
	assert.Equal(t, 45*time.Minute, byUID["zoned"].End.Sub(byUID["zoned"].Start))

	assert.True(t, byUID["vendor"].Start.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, berlin)))
	assert.True(t, byUID["vendor"].End.Equal(byUID["vendor"].Start), "timed event without end is a zero-length marker")

	assert.True(t, byUID["unknown-tz"].Start.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, seoul)))

	allDay := byUID["allday"]
	assert.True(t, allDay.AllDay)
	assert.True(t, allDay.Start.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, seoul)))
	assert.True(t, allDay.End.Equal(time.Date(2024, 6, 3, 0, 0, 0, 0, seoul)))

	noEnd := byUID["allday-noend"]
	assert.True(t, noEnd.End.Equal(time.Date(2024, 6, 2, 0, 0, 0, 0, seoul)))

	assert.True(t, byUID["backwards"].End.Equal(byUID["backwards"].Start))
}

func TestParseSkipsUnusableEvents(t *testing.T) {
	body := testutil.ICS("",
		testutil.Event{UID: "ok", Lines: []string{"DTSTART:20240601T100000Z"}},
		testutil.Event{UID: "no-start", Lines: []string{"SUMMARY:x"}},
		testutil.Event{UID: "bad-start", Lines: []string{"DTSTART:tomorrow"}},
	)

	cal, err := ParseBytes([]byte(body), time.UTC)
	require.NoError(t, err)
	assert.Len(t, cal.Events, 1)
	assert.Equal(t, 2, cal.Skipped)
}

func TestParseRecurrenceProperties(t *testing.T) {
	body := testutil.ICS("", testutil.Event{
		UID: "r",
		Lines: []string{
			"DTSTART:20240101T090000Z",
			"DTEND:20240101T093000Z",
			"RRULE:FREQ=DAILY;COUNT=10",
			"EXDATE:20240103T090000Z,20240104T090000Z",
			"RDATE;VALUE=PERIOD:20240120T090000Z/PT1H",
		},
	}, testutil.Event{
		UID:   "r",
		Lines: []string{"RECURRENCE-ID:20240105T090000Z", "DTSTART:20240105T120000Z", "DTEND:20240105T123000Z"},
	})

	cal, err := ParseBytes([]byte(body), time.UTC)
	require.NoError(t, err)
	require.Len(t, cal.Events, 2)

	master := cal.Events[0]
	assert.Equal(t, "FREQ=DAILY;COUNT=10", master.RRule)
	assert.Len(t, master.ExDates, 2)
	require.Len(t, master.RDates, 1)
	assert.True(t, master.RDates[0].Equal(time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)))
	assert.True(t, master.IsRecurring())
	assert.False(t, master.IsOverride())

	override := cal.Events[1]
	require.True(t, override.IsOverride())
	assert.Equal(t, "20240105T090000Z", override.recurrenceKey())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		days int
		dur  time.Duration
	}{
		{"PT1H30M", 0, 90 * time.Minute},
		{"P1D", 1, 0},
		{"P2W", 14, 0},
		{"P1DT2H", 1, 2 * time.Hour},
		{"-PT15M", 0, -15 * time.Minute},
		{"PT10S", 0, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.days, got.days)
			assert.Equal(t, tt.dur, got.dur)
		})
	}

	for _, bad := range []string{"", "P", "PT", "1H", "PT1D", "P1H", "PT1H2"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}
