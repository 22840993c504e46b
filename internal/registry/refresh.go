package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"multical/internal/ics"
	"multical/internal/index"
	appLog "multical/internal/log"
	"multical/internal/model"
)

// OutcomeStatus is the per-feed result of a refresh.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeStale means the fetch or parse failed and the feed keeps its
	// previous occurrences.
	OutcomeStale OutcomeStatus = "stale"
	// OutcomeSkipped means the result was discarded: the feed was removed
	// while its refresh was running, or a newer refresh already landed.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is one feed's entry in a Report.
type Outcome struct {
	FeedID      string        `json:"feed_id"`
	Name        string        `json:"name"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Occurrences int           `json:"occurrences"`
	NotModified bool          `json:"not_modified,omitempty"`
}

// Report summarizes one refresh cycle.
type Report struct {
	RefreshID  string             `json:"refresh_id"`
	Generation uint64             `json:"generation"`
	Started    time.Time          `json:"started"`
	Finished   time.Time          `json:"finished"`
	Window     model.Window       `json:"window"`
	Outcomes   map[string]Outcome `json:"outcomes"`
}

// Failed returns the stale outcomes: feeds whose fetch or parse failed.
// Skipped outcomes are not failures.
func (r Report) Failed() []Outcome {
	return r.withStatus(OutcomeStale)
}

// Skipped returns the outcomes whose result was discarded.
func (r Report) Skipped() []Outcome {
	return r.withStatus(OutcomeSkipped)
}

func (r Report) withStatus(st OutcomeStatus) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == st {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b Outcome) int { return strings.Compare(a.FeedID, b.FeedID) })
	return out
}

// feedResult is what one worker hands back to the publisher.
type feedResult struct {
	feed    model.FeedConfig
	ticket  uint64
	cal     *ics.Calendar
	occs    []model.Occurrence
	doc     ics.Document
	err     error
	attempt time.Time
}

// RefreshAll refreshes every registered feed concurrently and publishes one
// new snapshot. Per-feed failures are reported, never returned.
func (r *Registry) RefreshAll(ctx context.Context) Report {
	return r.refresh(ctx, r.Feeds())
}

// RefreshOne refreshes a single feed, resolved like Lookup.
func (r *Registry) RefreshOne(ctx context.Context, identifier string) (Report, error) {
	f, err := r.Lookup(identifier)
	if err != nil {
		return Report{}, err
	}
	return r.refresh(ctx, []model.FeedConfig{f}), nil
}

func (r *Registry) refresh(ctx context.Context, feeds []model.FeedConfig) Report {
	// One "now" and one window for every feed of the cycle.
	now := r.opts.Clock.Now()
	window := r.window(now)
	rep := Report{
		RefreshID: r.opts.IDs.New(),
		Started:   now,
		Window:    window,
		Outcomes:  make(map[string]Outcome, len(feeds)),
	}
	appLog.Info("refresh start", "refresh_id", rep.RefreshID, "feeds", len(feeds),
		"from", window.From.Format(time.RFC3339), "until", window.Until.Format(time.RFC3339))

	results := make([]feedResult, len(feeds))
	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxConcurrent)
	for i, f := range feeds {
		g.Go(func() error {
			results[i] = r.refreshFeed(ctx, f, window, now, rep.RefreshID)
			return nil
		})
	}
	_ = g.Wait()

	rep.Generation = r.apply(results, window, rep.Outcomes)
	rep.Finished = r.opts.Clock.Now()

	for _, o := range rep.Skipped() {
		appLog.Debug("refresh result discarded", "refresh_id", rep.RefreshID, "feed", o.Name, "reason", o.Reason)
		if o.Reason == "removed" {
			r.dropLock(o.FeedID)
		}
	}
	appLog.Info("refresh done", "refresh_id", rep.RefreshID, "generation", rep.Generation,
		"feeds", len(feeds), "failed", len(rep.Failed()), "skipped", len(rep.Skipped()))
	return rep
}

// refreshFeed fetches, parses and expands one feed while holding its lock.
func (r *Registry) refreshFeed(ctx context.Context, f model.FeedConfig, window model.Window, now time.Time, refreshID string) feedResult {
	l := r.lockFor(f.ID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticket++
	res := feedResult{feed: f, ticket: l.ticket, attempt: now}

	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	started := time.Now()
	doc, err := r.opts.Source.Fetch(fetchCtx, f.URL)
	if err != nil {
		res.err = err
		appLog.Warn("feed fetch failed", "refresh_id", refreshID, "feed_id", f.ID, "name", f.Name, "err", err)
		return res
	}
	res.doc = doc

	cal, err := ics.Parse(doc, r.opts.Location)
	if err != nil {
		res.err = err
		appLog.Warn("feed parse failed", "refresh_id", refreshID, "feed_id", f.ID, "name", f.Name, "err", err)
		return res
	}
	res.cal = cal
	res.occs = slices.Collect(ics.Expand(cal, ics.ExpandOptions{
		Location:    r.opts.Location,
		From:        window.From,
		Until:       window.Until,
		FeedID:      f.ID,
		FeedName:    f.Name,
		MaxPerEvent: r.opts.MaxPerEvent,
	}))

	appLog.Debug("feed refreshed", "refresh_id", refreshID, "feed_id", f.ID, "name", f.Name,
		"bytes", doc.Size, "not_modified", doc.NotModified, "events", len(cal.Events),
		"skipped", cal.Skipped, "occurrences", len(res.occs), "elapsed", time.Since(started).String())
	return res
}

// apply merges worker results into a new snapshot and publishes it.
func (r *Registry) apply(results []feedResult, window model.Window, outcomes map[string]Outcome) uint64 {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	prev := r.snap.Load()
	b := index.From(prev, window)
	for _, res := range results {
		f := res.feed
		out := Outcome{FeedID: f.ID, Name: f.Name}

		switch {
		case !r.registered(f):
			out.Status, out.Reason = OutcomeSkipped, "removed"
		case res.ticket < r.applied[f.ID]:
			out.Status, out.Reason = OutcomeSkipped, "superseded"
		case res.err != nil:
			r.applied[f.ID] = res.ticket
			state, ok := prev.State(f.ID)
			if !ok {
				state = neverFetched(f)
			}
			if !state.LastSuccess.IsZero() {
				state.Status = index.StatusStale
			}
			state.LastAttempt = res.attempt
			state.LastError = reason(res.err)
			b.Put(state, prev.OccurrencesFor(f.ID))
			out.Status, out.Reason = OutcomeStale, state.LastError
			out.Occurrences = len(prev.OccurrencesFor(f.ID))
		default:
			r.applied[f.ID] = res.ticket
			b.Put(index.FeedState{
				Feed:                f,
				Status:              index.StatusOK,
				LastAttempt:         res.attempt,
				LastSuccess:         res.attempt,
				CalendarName:        res.cal.Name,
				CalendarDescription: res.cal.Description,
				CalendarTimeZone:    res.cal.TimeZone,
				Events:              len(res.cal.Events),
				Window:              window,
			}, res.occs)
			out.Status = OutcomeSuccess
			out.Occurrences = len(res.occs)
			out.NotModified = res.doc.NotModified
		}
		outcomes[f.ID] = out
	}

	ids := make([]string, 0)
	for _, f := range r.Feeds() {
		ids = append(ids, f.ID)
	}
	b.Retain(ids)
	return r.publishLocked(b).Generation()
}

// reason renders err in the short report form, e.g. "timeout" or
// "http_status 503".
func reason(err error) string {
	var fe *ics.FetchError
	if errors.As(err, &fe) {
		return fe.Reason()
	}
	var pe *ics.ParseError
	if errors.As(err, &pe) {
		return pe.Reason()
	}
	return err.Error()
}
