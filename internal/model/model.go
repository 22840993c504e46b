package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// FeedConfig describes one configured calendar feed. It is immutable once
// created; renaming a feed means removing it and adding it again.
type FeedConfig struct {
	// ID is derived from URL only (see FeedID), so the same URL always maps
	// to the same feed regardless of its display name.
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NewFeedConfig builds a FeedConfig with its ID derived from url. An empty
// name is replaced by DefaultFeedName(url).
func NewFeedConfig(name, url string) FeedConfig {
	url = strings.TrimSpace(url)
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultFeedName(url)
	}
	return FeedConfig{
		ID:   FeedID(url),
		Name: name,
		URL:  url,
	}
}

// FeedID returns the stable identifier for a feed URL: the first 8 bytes of
// its SHA-256 digest, hex encoded.
func FeedID(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:8])
}

// Occurrence is one concrete, time-bounded instance of an event after
// recurrence expansion and timezone normalization.
type Occurrence struct {
	FeedID   string `json:"feed_id"`
	FeedName string `json:"feed_name,omitempty"`

	// UID is the iCalendar UID of the source VEVENT.
	UID string `json:"uid"`
	// RecurrenceID identifies the instance of a recurring event by its
	// original (ruled) start. Empty for non-recurring events.
	RecurrenceID string `json:"recurrence_id,omitempty"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`

	AllDay bool `json:"all_day"`

	// Start / End are in the configured timezone. End is exclusive; for
	// all-day events it is midnight of the following day.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (o Occurrence) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// IsMarker reports whether the occurrence has zero duration.
func (o Occurrence) IsMarker() bool {
	return !o.End.After(o.Start)
}

// Overlaps reports whether the occurrence intersects the half-open window
// [from, until). A zero-duration occurrence overlaps when its start lies
// inside the window.
func (o Occurrence) Overlaps(from, until time.Time) bool {
	if o.IsMarker() {
		return !o.Start.Before(from) && o.Start.Before(until)
	}
	return o.Start.Before(until) && o.End.After(from)
}

// Key identifies an occurrence within a snapshot.
func (o Occurrence) Key() string {
	return o.FeedID + "|" + o.UID + "|" + o.RecurrenceID
}

// Less orders occurrences by start, then feed id, uid and recurrence id.
func Less(a, b Occurrence) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if a.FeedID != b.FeedID {
		return a.FeedID < b.FeedID
	}
	if a.UID != b.UID {
		return a.UID < b.UID
	}
	return a.RecurrenceID < b.RecurrenceID
}

// Compare is Less in the form expected by slices.SortFunc.
func Compare(a, b Occurrence) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// Window is a half-open time range [From, Until).
type Window struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"until"`
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.Until)
}

// In returns the window with both bounds converted to loc.
func (w Window) In(loc *time.Location) Window {
	return Window{From: w.From.In(loc), Until: w.Until.In(loc)}
}
