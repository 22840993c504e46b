// Package service exposes the outward operations (queries, conflicts, feed
// management, refresh) on top of a registry, with an optional read-through
// cache at this boundary only.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"multical/internal/cache"
	"multical/internal/config"
	"multical/internal/conflict"
	"multical/internal/index"
	appLog "multical/internal/log"
	"multical/internal/model"
	"multical/internal/query"
	"multical/internal/registry"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultConflictDays = 7
	// DefaultAfterLimit is used by AfterDate when limit is zero.
	DefaultAfterLimit = 30
)

// Options configures a Service.
type Options struct {
	// Cache is optional; results are identical with or without it.
	Cache     cache.Cache
	CacheTTL  time.Duration
	WeekStart time.Weekday
	// Config is the effective configuration, reported redacted by Status.
	Config *config.Config
}

// Service is the boundary the HTTP API and the CLI call into.
type Service struct {
	reg       *registry.Registry
	cache     cache.Cache
	ttl       time.Duration
	weekStart time.Weekday
	cfg       *config.Config
	flight    singleflight.Group

	statsMu sync.Mutex
	stats   CacheStats
}

// New wraps reg.
func New(reg *registry.Registry, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	s := &Service{reg: reg, cache: opts.Cache, ttl: opts.CacheTTL, weekStart: opts.WeekStart, cfg: opts.Config}
	s.stats = CacheStats{Enabled: s.cache != nil, Since: reg.Now()}
	return s
}

// Registry returns the underlying registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Location is the configured zone.
func (s *Service) Location() *time.Location { return s.reg.Location() }

// EventsResult is the payload of every event query.
type EventsResult struct {
	Generation uint64             `json:"generation"`
	Window     *model.Window      `json:"window,omitempty"`
	Query      string             `json:"query,omitempty"`
	Feeds      []string           `json:"feeds,omitempty"`
	Count      int                `json:"count"`
	Events     []model.Occurrence `json:"events"`
}

// ConflictsResult wraps a conflict report.
type ConflictsResult struct {
	Generation uint64 `json:"generation"`
	conflict.Report
}

// FeedsResult lists feed states.
type FeedsResult struct {
	Generation uint64            `json:"generation"`
	Feeds      []index.FeedState `json:"feeds"`
}

// FeedResult is one feed's state.
type FeedResult struct {
	Generation uint64          `json:"generation"`
	Feed       index.FeedState `json:"feed"`
}

// NowResult is the current date and time in the configured zone.
type NowResult struct {
	Now      time.Time `json:"now"`
	Date     string    `json:"date"`
	Time     string    `json:"time"`
	Weekday  string    `json:"weekday"`
	Timezone string    `json:"timezone"`
	Unix     int64     `json:"unix"`
}

// ConflictRequest selects the window and options of a conflict check. With
// From and Until zero the window is today plus Days days.
type ConflictRequest struct {
	From    time.Time
	Until   time.Time
	Days    int
	Options conflict.Options
	Feeds   []string
}

// engine returns a query engine over the current snapshot restricted to the
// given feed identifiers.
func (s *Service) engine(feeds []string) (*query.Engine, []string, error) {
	e := query.New(s.reg.Snapshot(), s.reg.Location()).WithWeekStart(s.weekStart)
	if len(feeds) == 0 {
		return e, nil, nil
	}
	ids := make([]string, 0, len(feeds))
	for _, ident := range feeds {
		f, err := s.reg.Lookup(ident)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, f.ID)
	}
	return e.WithFeeds(ids...), ids, nil
}

// windowQuery derives the window from the clock; the snapshot is scanned
// only on a cache miss.
func (s *Service) windowQuery(ctx context.Context, op string, feeds []string,
	span func(now time.Time) model.Window) (EventsResult, error) {
	e, ids, err := s.engine(feeds)
	if err != nil {
		return EventsResult{}, wrap(err)
	}
	w := span(s.reg.Now())
	return cached(ctx, s, op, e.Generation(), []any{w.From.Unix(), w.Until.Unix(), ids}, func() (EventsResult, error) {
		return events(e, &w, "", ids, e.InWindow(w)), nil
	})
}

// Today returns the occurrences of the current day.
func (s *Service) Today(ctx context.Context, feeds ...string) (EventsResult, error) {
	return s.windowQuery(ctx, "today", feeds, func(now time.Time) model.Window {
		return query.DayWindow(now, s.Location())
	})
}

// Tomorrow returns the occurrences of the next day.
func (s *Service) Tomorrow(ctx context.Context, feeds ...string) (EventsResult, error) {
	return s.windowQuery(ctx, "tomorrow", feeds, func(now time.Time) model.Window {
		return query.TomorrowWindow(now, s.Location())
	})
}

// Week returns the occurrences of the current week.
func (s *Service) Week(ctx context.Context, feeds ...string) (EventsResult, error) {
	return s.windowQuery(ctx, "week", feeds, func(now time.Time) model.Window {
		return query.WeekWindow(now, s.Location(), s.weekStart)
	})
}

// Month returns the occurrences of the current month.
func (s *Service) Month(ctx context.Context, feeds ...string) (EventsResult, error) {
	return s.windowQuery(ctx, "month", feeds, func(now time.Time) model.Window {
		return query.MonthWindow(now, s.Location())
	})
}

// OnDate returns the occurrences overlapping date's calendar day.
func (s *Service) OnDate(ctx context.Context, date time.Time, feeds ...string) (EventsResult, error) {
	e, ids, err := s.engine(feeds)
	if err != nil {
		return EventsResult{}, wrap(err)
	}
	w := query.DayWindow(date, e.Location())
	return cached(ctx, s, "by_date", e.Generation(), []any{w.From.Unix(), ids}, func() (EventsResult, error) {
		return events(e, &w, "", ids, e.ByDate(date)), nil
	})
}

// Between returns the occurrences overlapping [from, until).
func (s *Service) Between(ctx context.Context, from, until time.Time, feeds ...string) (EventsResult, error) {
	e, ids, err := s.engine(feeds)
	if err != nil {
		return EventsResult{}, wrap(err)
	}
	return cached(ctx, s, "by_range", e.Generation(), []any{from.UnixNano(), until.UnixNano(), ids}, func() (EventsResult, error) {
		occs, err := e.ByRange(from, until)
		if err != nil {
			return EventsResult{}, err
		}
		w := model.Window{From: from.In(e.Location()), Until: until.In(e.Location())}
		return events(e, &w, "", ids, occs), nil
	})
}

// AfterDate returns the first limit occurrences from date on. limit 0 means
// DefaultAfterLimit.
func (s *Service) AfterDate(ctx context.Context, date time.Time, limit int, feeds ...string) (EventsResult, error) {
	if limit == 0 {
		limit = DefaultAfterLimit
	}
	e, ids, err := s.engine(feeds)
	if err != nil {
		return EventsResult{}, wrap(err)
	}
	from := query.Midnight(date, e.Location())
	return cached(ctx, s, "after_date", e.Generation(), []any{from.Unix(), limit, ids}, func() (EventsResult, error) {
		occs, err := e.AfterDate(date, limit)
		if err != nil {
			return EventsResult{}, err
		}
		return events(e, nil, "", ids, occs), nil
	})
}

// Search matches term against summary and location.
func (s *Service) Search(ctx context.Context, term string, feeds ...string) (EventsResult, error) {
	e, ids, err := s.engine(feeds)
	if err != nil {
		return EventsResult{}, wrap(err)
	}
	return cached(ctx, s, "search", e.Generation(), []any{term, ids}, func() (EventsResult, error) {
		occs, err := e.ByKeyword(term)
		if err != nil {
			return EventsResult{}, err
		}
		return events(e, nil, term, ids, occs), nil
	})
}

// Upcoming returns the next limit occurrences from now, to the minute.
func (s *Service) Upcoming(ctx context.Context, limit int, feeds ...string) (EventsResult, error) {
	if limit <= 0 {
		limit = query.DefaultUpcomingLimit
	}
	e, ids, err := s.engine(feeds)
	if err != nil {
		return EventsResult{}, wrap(err)
	}
	now := s.reg.Now().Truncate(time.Minute)
	return cached(ctx, s, "upcoming", e.Generation(), []any{now.Unix(), limit, ids}, func() (EventsResult, error) {
		return events(e, nil, "", ids, e.Upcoming(now, limit)), nil
	})
}

// EventByUID returns every instance of uid. An unknown uid is not_found.
func (s *Service) EventByUID(ctx context.Context, uid string) (EventsResult, error) {
	e, _, _ := s.engine(nil)
	occs := e.ByUID(uid)
	if len(occs) == 0 {
		return EventsResult{}, &Error{Code: CodeNotFound, Message: "event " + uid + " not found"}
	}
	return events(e, nil, uid, nil, occs), nil
}

// Conflicts runs conflict detection over the requested window.
func (s *Service) Conflicts(ctx context.Context, req ConflictRequest) (ConflictsResult, error) {
	e, ids, err := s.engine(req.Feeds)
	if err != nil {
		return ConflictsResult{}, wrap(err)
	}
	w := model.Window{From: req.From, Until: req.Until}
	if w.From.IsZero() && w.Until.IsZero() {
		days := req.Days
		if days <= 0 {
			days = defaultConflictDays
		}
		w.From = query.Midnight(s.reg.Now(), e.Location())
		w.Until = w.From.AddDate(0, 0, days)
	}
	if w.From.After(w.Until) {
		return ConflictsResult{}, wrap(&query.QueryError{Op: "conflicts", Reason: "from is after until"})
	}
	args := []any{w.From.UnixNano(), w.Until.UnixNano(), req.Options, ids}
	return cached(ctx, s, "conflicts", e.Generation(), args, func() (ConflictsResult, error) {
		rep := conflict.Detect(e.InWindow(w), w.In(e.Location()), req.Options)
		return ConflictsResult{Generation: e.Generation(), Report: rep}, nil
	})
}

// ListFeeds returns every feed's state in registration order.
func (s *Service) ListFeeds(context.Context) (FeedsResult, error) {
	snap := s.reg.Snapshot()
	return FeedsResult{Generation: snap.Generation(), Feeds: snap.States()}, nil
}

// FeedInfo returns one feed's state.
func (s *Service) FeedInfo(_ context.Context, identifier string) (FeedResult, error) {
	st, err := s.reg.FeedInfo(identifier)
	if err != nil {
		return FeedResult{}, wrap(err)
	}
	return FeedResult{Generation: s.reg.Snapshot().Generation(), Feed: st}, nil
}

// AddFeed registers a feed; it is refreshed in the background.
func (s *Service) AddFeed(_ context.Context, name, url string) (FeedResult, error) {
	f, err := s.reg.AddFeed(name, url)
	if err != nil {
		return FeedResult{}, wrap(err)
	}
	st, err := s.reg.FeedInfo(f.ID)
	if err != nil {
		// Removed again before we could read it back.
		return FeedResult{}, wrap(err)
	}
	return FeedResult{Generation: s.reg.Snapshot().Generation(), Feed: st}, nil
}

// RemoveFeed unregisters a feed.
func (s *Service) RemoveFeed(_ context.Context, identifier string) (model.FeedConfig, error) {
	f, err := s.reg.RemoveFeed(identifier)
	return f, wrap(err)
}

// Refresh refreshes one feed, or all feeds when identifier is empty.
func (s *Service) Refresh(ctx context.Context, identifier string) (registry.Report, error) {
	if identifier == "" {
		return s.reg.RefreshAll(ctx), nil
	}
	rep, err := s.reg.RefreshOne(ctx, identifier)
	return rep, wrap(err)
}

// Now returns the current time in the configured zone.
func (s *Service) Now(context.Context) NowResult {
	now := s.reg.Now()
	return NowResult{
		Now:      now,
		Date:     now.Format("2006-01-02"),
		Time:     now.Format("15:04:05"),
		Weekday:  now.Weekday().String(),
		Timezone: s.reg.Location().String(),
		Unix:     now.Unix(),
	}
}

// Health reports the snapshot and, when configured, the cache.
func (s *Service) Health(ctx context.Context) map[string]any {
	snap := s.reg.Snapshot()
	h := map[string]any{
		"status":      "ok",
		"generation":  snap.Generation(),
		"feeds":       len(snap.FeedIDs()),
		"occurrences": snap.Len(),
	}
	if !snap.BuiltAt().IsZero() {
		h["built_at"] = snap.BuiltAt()
	}
	if s.cache != nil {
		h["cache"] = s.cache.Health(ctx)
	}
	return h
}

// CacheStats counts lookups through the read cache since Since.
type CacheStats struct {
	Enabled bool      `json:"enabled"`
	Hits    int64     `json:"hits"`
	Misses  int64     `json:"misses"`
	Errors  int64     `json:"errors"`
	HitRate float64   `json:"hit_rate"`
	Since   time.Time `json:"since"`
}

// StatusResult is the operator view of a running service.
type StatusResult struct {
	Generation  uint64         `json:"generation"`
	Now         time.Time      `json:"now"`
	Feeds       int            `json:"feeds"`
	Occurrences int            `json:"occurrences"`
	Config      *config.Config `json:"config,omitempty"`
	Cache       CacheStats     `json:"cache"`
	CacheInfo   map[string]any `json:"cache_info,omitempty"`
}

// ClearResult reports a cache invalidation.
type ClearResult struct {
	Prefix  string `json:"prefix"`
	Deleted int    `json:"deleted"`
}

func (s *Service) count(f func(*CacheStats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// CacheStats returns a copy of the hit and miss counters.
func (s *Service) CacheStats() CacheStats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// ResetCacheStats zeroes the counters and returns their last values.
func (s *Service) ResetCacheStats() CacheStats {
	prev := s.CacheStats()
	s.statsMu.Lock()
	s.stats = CacheStats{Enabled: s.cache != nil, Since: s.reg.Now()}
	s.statsMu.Unlock()
	return prev
}

// ClearCache drops cached results for op, or for every operation when op is
// empty.
func (s *Service) ClearCache(ctx context.Context, op string) (ClearResult, error) {
	if s.cache == nil {
		return ClearResult{}, &Error{Code: CodeConfiguration, Message: "no cache configured"}
	}
	prefix := cache.OpPrefix(op)
	n, err := s.cache.Clear(ctx, prefix)
	if err != nil {
		return ClearResult{}, &Error{Code: CodeInternal, Message: "clear cache: " + err.Error(), Err: err}
	}
	appLog.Info("cache cleared", "prefix", prefix, "deleted", n)
	return ClearResult{Prefix: prefix, Deleted: n}, nil
}

// Status reports the snapshot, the redacted effective config and the cache
// counters.
func (s *Service) Status(ctx context.Context) StatusResult {
	snap := s.reg.Snapshot()
	st := StatusResult{
		Generation:  snap.Generation(),
		Now:         s.reg.Now(),
		Feeds:       len(snap.FeedIDs()),
		Occurrences: snap.Len(),
		Cache:       s.CacheStats(),
	}
	if s.cfg != nil {
		redacted := s.cfg.Redacted()
		st.Config = &redacted
	}
	if s.cache != nil {
		st.CacheInfo = s.cache.Health(ctx)
	}
	return st
}

func events(e *query.Engine, w *model.Window, q string, ids []string, occs []model.Occurrence) EventsResult {
	return EventsResult{
		Generation: e.Generation(),
		Window:     w,
		Query:      q,
		Feeds:      ids,
		Count:      len(occs),
		Events:     occs,
	}
}

// cached is the cache-aside boundary: look up, else compute and store.
// Concurrent misses for one key share a single computation. Cache failures
// are logged and bypassed.
func cached[T any](ctx context.Context, s *Service, op string, generation uint64, args []any, compute func() (T, error)) (T, error) {
	if s.cache == nil {
		v, err := compute()
		return v, wrap(err)
	}

	key := cache.Key(op, generation, args...)
	if data, ok, err := s.cache.Get(ctx, key); err != nil {
		s.count(func(st *CacheStats) { st.Errors++ })
		appLog.Warn("cache get failed", "op", op, "err", err)
	} else if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			s.count(func(st *CacheStats) { st.Hits++ })
			appLog.Debug("cache hit", "op", op, "generation", generation)
			return v, nil
		}
		appLog.Warn("cache entry undecodable; recomputing", "op", op)
	}
	s.count(func(st *CacheStats) { st.Misses++ })

	res, err, _ := s.flight.Do(key, func() (any, error) {
		v, err := compute()
		if err != nil {
			return v, err
		}
		if data, merr := json.Marshal(v); merr == nil {
			if serr := s.cache.Set(ctx, key, data, s.ttl); serr != nil {
				s.count(func(st *CacheStats) { st.Errors++ })
				appLog.Warn("cache set failed", "op", op, "err", serr)
			}
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, wrap(err)
	}
	return res.(T), nil
}
