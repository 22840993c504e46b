// Package index holds the immutable, generation-stamped view of every feed's
// occurrences that queries read from.
package index

import (
	"slices"
	"time"

	"multical/internal/model"
)

// FeedStatus describes how fresh a feed's occurrences are.
type FeedStatus string

const (
	StatusNeverFetched FeedStatus = "never_fetched"
	StatusOK           FeedStatus = "ok"
	StatusStale        FeedStatus = "stale"
)

// FeedState is the per-feed metadata carried alongside its occurrences.
type FeedState struct {
	Feed   model.FeedConfig `json:"feed"`
	Status FeedStatus       `json:"status"`

	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`

	CalendarName        string `json:"calendar_name,omitempty"`
	CalendarDescription string `json:"calendar_description,omitempty"`
	CalendarTimeZone    string `json:"calendar_timezone,omitempty"`

	// Events is the number of usable VEVENTs in the last parsed document.
	Events      int `json:"events"`
	Occurrences int `json:"occurrences"`

	// Window is the expansion window of the occurrences currently held.
	Window model.Window `json:"window"`
}

// Snapshot is a frozen view of all feeds. It is never mutated after Freeze;
// accessors hand out copies.
type Snapshot struct {
	generation uint64
	builtAt    time.Time
	window     model.Window

	order  []string
	states map[string]FeedState
	byFeed map[string][]model.Occurrence
	merged []model.Occurrence
}

// Empty returns the generation-zero snapshot published before any refresh.
func Empty() *Snapshot {
	return &Snapshot{
		states: map[string]FeedState{},
		byFeed: map[string][]model.Occurrence{},
	}
}

func (s *Snapshot) Generation() uint64 { return s.generation }

func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Window is the expansion window shared by every feed refreshed in the
// cycle that built this snapshot.
func (s *Snapshot) Window() model.Window { return s.window }

// FeedIDs returns the feed ids in registration order.
func (s *Snapshot) FeedIDs() []string {
	return slices.Clone(s.order)
}

// Has reports whether the feed is part of the snapshot.
func (s *Snapshot) Has(feedID string) bool {
	_, ok := s.states[feedID]
	return ok
}

// State returns the feed's metadata.
func (s *Snapshot) State(feedID string) (FeedState, bool) {
	st, ok := s.states[feedID]
	return st, ok
}

// States returns the metadata of every feed in registration order.
func (s *Snapshot) States() []FeedState {
	out := make([]FeedState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.states[id])
	}
	return out
}

// OccurrencesFor returns the feed's occurrences sorted by start. A feed that
// is registered but has no occurrences yields an empty, non-nil slice.
func (s *Snapshot) OccurrencesFor(feedID string) []model.Occurrence {
	occs, ok := s.byFeed[feedID]
	if !ok {
		if s.Has(feedID) {
			return []model.Occurrence{}
		}
		return nil
	}
	return slices.Clone(occs)
}

// All returns every occurrence merged across feeds, sorted by start with
// ties broken by feed id, uid and recurrence id.
func (s *Snapshot) All() []model.Occurrence {
	return slices.Clone(s.merged)
}

// Len is the total number of occurrences.
func (s *Snapshot) Len() int { return len(s.merged) }
