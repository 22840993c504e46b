package index

import (
	"slices"
	"time"

	"multical/internal/model"
)

// Builder assembles the next snapshot. It is not safe for concurrent use and
// must not be used after Freeze.
type Builder struct {
	snap   *Snapshot
	frozen bool
}

// NewBuilder starts an empty snapshot for the given cycle window.
func NewBuilder(window model.Window) *Builder {
	return &Builder{snap: &Snapshot{
		window: window,
		states: make(map[string]FeedState),
		byFeed: make(map[string][]model.Occurrence),
	}}
}

// From starts a builder seeded with every feed of prev, so a refresh of some
// feeds carries the others over unchanged.
func From(prev *Snapshot, window model.Window) *Builder {
	b := NewBuilder(window)
	if prev == nil {
		return b
	}
	for _, id := range prev.order {
		b.Put(prev.states[id], prev.byFeed[id])
	}
	return b
}

// Put sets a feed's state and occurrences, replacing any earlier entry but
// keeping its position. The slice is copied and sorted.
func (b *Builder) Put(state FeedState, occs []model.Occurrence) {
	b.mustOpen()
	id := state.Feed.ID
	if _, ok := b.snap.states[id]; !ok {
		b.snap.order = append(b.snap.order, id)
	}
	own := slices.Clone(occs)
	if own == nil {
		own = []model.Occurrence{}
	}
	slices.SortFunc(own, model.Compare)
	state.Occurrences = len(own)
	b.snap.states[id] = state
	b.snap.byFeed[id] = own
}

// Remove drops a feed.
func (b *Builder) Remove(feedID string) {
	b.mustOpen()
	if _, ok := b.snap.states[feedID]; !ok {
		return
	}
	delete(b.snap.states, feedID)
	delete(b.snap.byFeed, feedID)
	b.snap.order = slices.DeleteFunc(b.snap.order, func(id string) bool { return id == feedID })
}

// Retain drops every feed whose id is not in keep and reorders the rest to
// follow keep.
func (b *Builder) Retain(keep []string) {
	b.mustOpen()
	order := make([]string, 0, len(keep))
	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
		if _, ok := b.snap.states[id]; ok {
			order = append(order, id)
		}
	}
	for _, id := range b.snap.order {
		if !wanted[id] {
			delete(b.snap.states, id)
			delete(b.snap.byFeed, id)
		}
	}
	b.snap.order = order
}

// Freeze stamps the snapshot and returns it. The builder is unusable
// afterwards.
func (b *Builder) Freeze(generation uint64, builtAt time.Time) *Snapshot {
	b.mustOpen()
	b.frozen = true

	s := b.snap
	s.generation = generation
	s.builtAt = builtAt

	total := 0
	for _, occs := range s.byFeed {
		total += len(occs)
	}
	s.merged = make([]model.Occurrence, 0, total)
	for _, id := range s.order {
		s.merged = append(s.merged, s.byFeed[id]...)
	}
	slices.SortStableFunc(s.merged, model.Compare)
	return s
}

func (b *Builder) mustOpen() {
	if b.frozen {
		panic("index: builder used after Freeze")
	}
}
