package registry

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multical/internal/ics"
	"multical/internal/index"
	"multical/internal/model"
	"multical/internal/testutil"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func workCalendar() string {
	return testutil.ICS("Work",
		testutil.Timed("review", "Design review", day.Add(10*time.Hour), day.Add(11*time.Hour)),
		testutil.Event{UID: "standup", Summary: "Standup", Lines: []string{
			"DTSTART:20240601T090000Z", "DURATION:PT15M", "RRULE:FREQ=DAILY;COUNT=3",
		}},
	)
}

func hasLock(r *Registry, feedID string) bool {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	_, ok := r.locks[feedID]
	return ok
}

func newTestRegistry(t *testing.T, feeds []model.FeedConfig, opts Options) *Registry {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = testutil.FixedClock()
	}
	if opts.IDs == nil {
		opts.IDs = testutil.NewStubIDGenerator()
	}
	r, err := New(feeds, opts)
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func TestRefreshAllPublishesOccurrences(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	r := newTestRegistry(t, []model.FeedConfig{work}, Options{})

	rep := r.RefreshAll(context.Background())

	assert.Equal(t, "id-1", rep.RefreshID)
	require.Contains(t, rep.Outcomes, work.ID)
	assert.Equal(t, OutcomeSuccess, rep.Outcomes[work.ID].Status)
	assert.Equal(t, 4, rep.Outcomes[work.ID].Occurrences)
	assert.Empty(t, rep.Failed())

	snap := r.Snapshot()
	assert.Equal(t, rep.Generation, snap.Generation())
	occs := snap.OccurrencesFor(work.ID)
	require.Len(t, occs, 4)
	assert.Equal(t, "Standup", occs[0].Summary)
	assert.Equal(t, "Design review", occs[1].Summary)
	assert.Equal(t, "Work", occs[1].FeedName)

	st, err := r.FeedInfo("Work")
	require.NoError(t, err)
	assert.Equal(t, index.StatusOK, st.Status)
	assert.Equal(t, "Work", st.CalendarName)
	assert.Equal(t, 2, st.Events)
	assert.Equal(t, 4, st.Occurrences)
}

func TestGenerationStrictlyIncreases(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	r := newTestRegistry(t, []model.FeedConfig{work}, Options{})

	last := r.Snapshot().Generation()
	step := func() {
		g := r.Snapshot().Generation()
		assert.Greater(t, g, last)
		last = g
	}

	r.RefreshAll(context.Background())
	step()
	_, err := r.RefreshOne(context.Background(), work.ID)
	require.NoError(t, err)
	step()
	_, err = r.RemoveFeed(work.ID)
	require.NoError(t, err)
	step()
	r.RefreshAll(context.Background())
	step()
}

func TestRefreshIsIdempotent(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	r := newTestRegistry(t, []model.FeedConfig{work}, Options{})

	r.RefreshAll(context.Background())
	first := r.Snapshot().All()
	r.RefreshAll(context.Background())
	second := r.Snapshot().All()

	assert.Equal(t, first, second)
}

func TestTimeoutKeepsPreviousOccurrences(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	personal := model.NewFeedConfig("Personal", srv.Set("/personal.ics", testutil.ICS("Personal",
		testutil.Timed("gym", "Gym", day.Add(18*time.Hour), day.Add(19*time.Hour)))))
	clock := testutil.FixedClock()
	r := newTestRegistry(t, []model.FeedConfig{work, personal}, Options{
		FetchTimeout: 100 * time.Millisecond,
		Clock:        clock,
	})

	r.RefreshAll(context.Background())
	require.Len(t, r.Snapshot().OccurrencesFor(work.ID), 4)

	srv.Delay("/work.ics", 2*time.Second)
	clock.Advance(time.Hour)
	rep := r.RefreshAll(context.Background())

	assert.Equal(t, Outcome{FeedID: work.ID, Name: "Work", Status: OutcomeStale, Reason: "timeout", Occurrences: 4}, rep.Outcomes[work.ID])
	assert.Equal(t, OutcomeSuccess, rep.Outcomes[personal.ID].Status)

	snap := r.Snapshot()
	assert.Len(t, snap.OccurrencesFor(work.ID), 4)
	assert.Len(t, snap.OccurrencesFor(personal.ID), 1)

	st, _ := snap.State(work.ID)
	assert.Equal(t, index.StatusStale, st.Status)
	assert.Equal(t, "timeout", st.LastError)
	assert.True(t, st.LastAttempt.After(st.LastSuccess))
}

func TestNeverFetchedIsDistinctFromEmpty(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	empty := model.NewFeedConfig("Empty", srv.Set("/empty.ics", testutil.ICS("Empty")))
	broken := model.NewFeedConfig("Broken", srv.URL+"/broken.ics")
	srv.Fail("/broken.ics", http.StatusInternalServerError)
	r := newTestRegistry(t, []model.FeedConfig{empty, broken}, Options{})

	st, err := r.FeedInfo(empty.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StatusNeverFetched, st.Status)

	rep := r.RefreshAll(context.Background())
	assert.Equal(t, "http_status 500", rep.Outcomes[broken.ID].Reason)

	st, _ = r.FeedInfo(empty.ID)
	assert.Equal(t, index.StatusOK, st.Status)
	assert.Equal(t, 0, st.Occurrences)

	st, _ = r.FeedInfo(broken.ID)
	assert.Equal(t, index.StatusNeverFetched, st.Status)
	assert.Equal(t, "http_status 500", st.LastError)
	assert.NotNil(t, r.Snapshot().OccurrencesFor(broken.ID))
}

func TestParseErrorIsStale(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	feed := model.NewFeedConfig("Login", srv.Set("/login.ics", "<html>sign in</html>"))
	r := newTestRegistry(t, []model.FeedConfig{feed}, Options{})

	rep := r.RefreshAll(context.Background())
	assert.Equal(t, OutcomeStale, rep.Outcomes[feed.ID].Status)
	assert.Equal(t, "parse_malformed", rep.Outcomes[feed.ID].Reason)
}

func TestAddFeedDuplicates(t *testing.T) {
	r := newTestRegistry(t, []model.FeedConfig{
		model.NewFeedConfig("Work", "https://example.com/work.ics"),
	}, Options{})

	_, err := r.AddFeed("Office", "https://example.com/work.ics")
	var dup *DuplicateFeedError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "id", dup.Field)
	assert.Equal(t, "Work", dup.Existing.Name)

	_, err = r.AddFeed("Work", "https://example.com/other.ics")
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "name", dup.Field)

	_, err = r.AddFeed("Bad", "ftp://example.com/x.ics")
	assert.Error(t, err)

	assert.Len(t, r.Feeds(), 1)
}

func TestNewRejectsDuplicateFeeds(t *testing.T) {
	_, err := New([]model.FeedConfig{
		model.NewFeedConfig("A", "https://example.com/a.ics"),
		model.NewFeedConfig("B", "https://example.com/a.ics"),
	}, Options{})
	var dup *DuplicateFeedError
	assert.ErrorAs(t, err, &dup)
}

func TestAddFeedRefreshesInBackground(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	r := newTestRegistry(t, nil, Options{})

	before := r.Snapshot().Generation()
	f, err := r.AddFeed("", srv.Set("/team/work.ics", workCalendar()))
	require.NoError(t, err)
	assert.Equal(t, "127", f.Name)
	assert.Greater(t, r.Snapshot().Generation(), before)
	assert.True(t, r.Snapshot().Has(f.ID))

	require.Eventually(t, func() bool {
		st, err := r.FeedInfo(f.ID)
		return err == nil && st.Status == index.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, r.Snapshot().OccurrencesFor(f.ID), 4)
}

func TestRemoveFeed(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	r := newTestRegistry(t, []model.FeedConfig{work}, Options{})
	r.RefreshAll(context.Background())

	_, err := r.RemoveFeed("nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	require.True(t, hasLock(r, work.ID))
	removed, err := r.RemoveFeed("Work")
	require.NoError(t, err)
	assert.False(t, hasLock(r, work.ID))
	assert.Equal(t, work, removed)
	assert.False(t, r.Snapshot().Has(work.ID))
	assert.Equal(t, 0, r.Snapshot().Len())

	_, err = r.RefreshOne(context.Background(), work.ID)
	assert.ErrorAs(t, err, &nf)
}

func TestRemovedDuringRefreshIsSkipped(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	srv.Delay("/work.ics", 300*time.Millisecond)
	r := newTestRegistry(t, []model.FeedConfig{work}, Options{})

	done := make(chan Report, 1)
	go func() { done <- r.RefreshAll(context.Background()) }()

	require.Eventually(t, func() bool { return srv.Hits("/work.ics") == 1 }, 5*time.Second, 5*time.Millisecond)
	_, err := r.RemoveFeed(work.ID)
	require.NoError(t, err)

	rep := <-done
	assert.Equal(t, OutcomeSkipped, rep.Outcomes[work.ID].Status)
	assert.Equal(t, "removed", rep.Outcomes[work.ID].Reason)
	assert.False(t, r.Snapshot().Has(work.ID))
	assert.Empty(t, rep.Failed())
	assert.Len(t, rep.Skipped(), 1)
	assert.False(t, hasLock(r, work.ID))
}

func TestReportFailedExcludesSkipped(t *testing.T) {
	rep := Report{Outcomes: map[string]Outcome{
		"b": {FeedID: "b", Status: OutcomeStale, Reason: "timeout"},
		"a": {FeedID: "a", Status: OutcomeStale, Reason: "http 500"},
		"c": {FeedID: "c", Status: OutcomeSkipped, Reason: "superseded"},
		"d": {FeedID: "d", Status: OutcomeSuccess},
	}}

	failed := rep.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "a", failed[0].FeedID)
	assert.Equal(t, "b", failed[1].FeedID)

	skipped := rep.Skipped()
	require.Len(t, skipped, 1)
	assert.Equal(t, "c", skipped[0].FeedID)
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(t, []model.FeedConfig{
		model.NewFeedConfig("Work", "https://example.com/work.ics"),
	}, Options{})
	id := model.FeedID("https://example.com/work.ics")

	for _, key := range []string{id, "Work", "https://example.com/work.ics", " Work "} {
		f, err := r.Lookup(key)
		require.NoError(t, err, key)
		assert.Equal(t, id, f.ID)
	}
	_, err := r.Lookup("work")
	assert.Error(t, err)
}

// countingSource records how many fetches run at once, overall and per URL.
type countingSource struct {
	body  string
	delay time.Duration

	mu        sync.Mutex
	active    int
	maxActive int
	perURL    map[string]int
	maxPerURL int
}

func (s *countingSource) Fetch(ctx context.Context, url string) (ics.Document, error) {
	s.mu.Lock()
	s.active++
	s.perURL[url]++
	s.maxActive = max(s.maxActive, s.active)
	s.maxPerURL = max(s.maxPerURL, s.perURL[url])
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.active--
	s.perURL[url]--
	s.mu.Unlock()
	return ics.Document{URL: url, Body: []byte(s.body), Size: len(s.body), StatusCode: http.StatusOK}, nil
}

func TestRefreshConcurrencyLimits(t *testing.T) {
	src := &countingSource{body: workCalendar(), delay: 20 * time.Millisecond, perURL: map[string]int{}}
	var feeds []model.FeedConfig
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		feeds = append(feeds, model.NewFeedConfig(name, "https://example.com/"+name+".ics"))
	}
	r := newTestRegistry(t, feeds, Options{Source: src, MaxConcurrent: 2})

	r.RefreshAll(context.Background())
	assert.LessOrEqual(t, src.maxActive, 2)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() { defer wg.Done(); r.RefreshAll(context.Background()) }()
		go func() {
			defer wg.Done()
			_, err := r.RefreshOne(context.Background(), "a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, src.maxPerURL, "one refresh per feed at a time")
	for _, f := range feeds {
		assert.Len(t, r.Snapshot().OccurrencesFor(f.ID), 4)
	}
}

func TestCycleWindow(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	r := newTestRegistry(t, nil, Options{Location: seoul, BackfillDays: 7, HorizonDays: 30})

	w := r.window(time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)) // 05:00 on 2 June in Seoul
	assert.True(t, w.From.Equal(time.Date(2024, 5, 26, 0, 0, 0, 0, seoul)))
	assert.True(t, w.Until.Equal(time.Date(2024, 7, 3, 0, 0, 0, 0, seoul)))
}

func TestStartStop(t *testing.T) {
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", workCalendar()))
	r := newTestRegistry(t, []model.FeedConfig{work}, Options{RefreshEvery: time.Hour})

	require.NoError(t, r.Start())
	require.Eventually(t, func() bool {
		st, _ := r.Snapshot().State(work.ID)
		return st.Status == index.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	r.Stop()
}
