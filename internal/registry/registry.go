// Package registry owns the configured feeds, refreshes them and publishes
// the snapshot queries read from.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"multical/internal/config"
	"multical/internal/ics"
	"multical/internal/index"
	appLog "multical/internal/log"
	"multical/internal/model"
)

// Source fetches raw feed documents. *ics.Fetcher implements it.
type Source interface {
	Fetch(ctx context.Context, url string) (ics.Document, error)
}

// forgetter is implemented by sources that keep per-URL state.
type forgetter interface {
	Forget(url string)
}

// Options configures a Registry. Zero values fall back to the config
// package defaults.
type Options struct {
	Location *time.Location

	// The expansion window of a cycle is
	// [midnight(now) - BackfillDays, midnight(now) + HorizonDays + 1 day).
	BackfillDays int
	HorizonDays  int

	FetchTimeout   time.Duration
	MaxConcurrent  int
	MaxPerEvent    int
	RefreshEvery   time.Duration
	DisableRefresh bool

	Source Source
	Clock  Clock
	IDs    IDGenerator
}

// OptionsFromConfig maps a validated config onto registry options.
func OptionsFromConfig(cfg *config.Config, loc *time.Location) Options {
	return Options{
		Location:       loc,
		BackfillDays:   cfg.BackfillDays,
		HorizonDays:    cfg.HorizonDays,
		FetchTimeout:   cfg.FetchTimeout(),
		MaxConcurrent:  cfg.MaxConcurrentFetches,
		MaxPerEvent:    cfg.MaxOccurrencesPerEvent,
		RefreshEvery:   cfg.RefreshInterval(),
		DisableRefresh: cfg.RefreshInterval() <= 0,
	}
}

func (o *Options) normalize() {
	d := config.DefaultConfig()
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.BackfillDays < 0 {
		o.BackfillDays = 0
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = d.HorizonDays
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = d.FetchTimeout()
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrentFetches
	}
	if o.MaxPerEvent <= 0 {
		o.MaxPerEvent = d.MaxOccurrencesPerEvent
	}
	if o.Source == nil {
		o.Source = ics.NewFetcher()
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.IDs == nil {
		o.IDs = UUIDGenerator{}
	}
}

// Registry owns {feed id -> FeedConfig}, the published snapshot and refresh
// scheduling.
//
// Locking:
//   - cfgMu guards feeds and order (add/remove/lookup)
//   - publishMu serializes snapshot publication and generation numbers
//   - one mutex per feed serializes that feed's fetch+parse+expand
//
// Readers only ever load snap and never lock.
type Registry struct {
	opts Options

	cfgMu sync.RWMutex
	feeds map[string]model.FeedConfig
	order []string

	snap       atomic.Pointer[index.Snapshot]
	publishMu  sync.Mutex
	generation uint64
	applied    map[string]uint64

	locksMu sync.Mutex
	locks   map[string]*feedLock

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	cron     *cron.Cron
}

type feedLock struct {
	mu     sync.Mutex
	ticket uint64
}

// New builds a registry holding feeds. Every feed starts never fetched;
// call RefreshAll or Start to populate them.
func New(feeds []model.FeedConfig, opts Options) (*Registry, error) {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     opts,
		feeds:    make(map[string]model.FeedConfig, len(feeds)),
		applied:  make(map[string]uint64),
		locks:    make(map[string]*feedLock),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	r.snap.Store(index.Empty())

	for _, f := range feeds {
		if err := r.register(f); err != nil {
			cancel()
			return nil, err
		}
	}

	b := index.NewBuilder(r.window(opts.Clock.Now()))
	for _, id := range r.order {
		b.Put(neverFetched(r.feeds[id]), nil)
	}
	r.publish(b)
	return r, nil
}

// FromEntries converts config entries into feeds and builds a registry.
func FromEntries(entries []config.FeedEntry, opts Options) (*Registry, error) {
	feeds := make([]model.FeedConfig, 0, len(entries))
	for _, e := range entries {
		feeds = append(feeds, model.NewFeedConfig(e.Name, e.URL))
	}
	return New(feeds, opts)
}

// Location is the zone every occurrence is normalized to.
func (r *Registry) Location() *time.Location { return r.opts.Location }

// Now returns the registry clock's time in the configured zone.
func (r *Registry) Now() time.Time { return r.opts.Clock.Now().In(r.opts.Location) }

// Snapshot returns the currently published snapshot. It never blocks.
func (r *Registry) Snapshot() *index.Snapshot { return r.snap.Load() }

// Feeds returns the registered feeds in registration order.
func (r *Registry) Feeds() []model.FeedConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	out := make([]model.FeedConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.feeds[id])
	}
	return out
}

// Lookup resolves an identifier by feed id, then name, then URL.
func (r *Registry) Lookup(identifier string) (model.FeedConfig, error) {
	identifier = strings.TrimSpace(identifier)
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	if f, ok := r.feeds[identifier]; ok {
		return f, nil
	}
	for _, id := range r.order {
		if r.feeds[id].Name == identifier {
			return r.feeds[id], nil
		}
	}
	if f, ok := r.feeds[model.FeedID(identifier)]; ok {
		return f, nil
	}
	return model.FeedConfig{}, &NotFoundError{Identifier: identifier}
}

// FeedInfo returns the current state of one feed.
func (r *Registry) FeedInfo(identifier string) (index.FeedState, error) {
	f, err := r.Lookup(identifier)
	if err != nil {
		return index.FeedState{}, err
	}
	st, ok := r.Snapshot().State(f.ID)
	if !ok {
		return neverFetched(f), nil
	}
	return st, nil
}

// AddFeed registers a feed and refreshes it in the background. The returned
// config is already visible as never fetched in the current snapshot.
func (r *Registry) AddFeed(name, url string) (model.FeedConfig, error) {
	if err := model.ValidateFeedURL(url); err != nil {
		return model.FeedConfig{}, &config.ConfigurationError{Field: "url", Value: appLog.RedactURL(url), Reason: "invalid feed url", Err: err}
	}
	f := model.NewFeedConfig(name, url)
	if err := r.register(f); err != nil {
		return model.FeedConfig{}, err
	}

	r.publishMu.Lock()
	b := index.From(r.snap.Load(), r.snap.Load().Window())
	b.Put(neverFetched(f), nil)
	r.publishLocked(b)
	r.publishMu.Unlock()

	appLog.Info("feed added", "feed_id", f.ID, "name", f.Name, "url", appLog.RedactURL(f.URL))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.RefreshOne(r.bgCtx, f.ID); err != nil {
			appLog.Debug("background refresh of new feed skipped", "feed_id", f.ID, "err", err)
		}
	}()
	return f, nil
}

// RemoveFeed unregisters a feed and republishes without it.
func (r *Registry) RemoveFeed(identifier string) (model.FeedConfig, error) {
	f, err := r.Lookup(identifier)
	if err != nil {
		return model.FeedConfig{}, err
	}

	r.cfgMu.Lock()
	if _, ok := r.feeds[f.ID]; !ok {
		r.cfgMu.Unlock()
		return model.FeedConfig{}, &NotFoundError{Identifier: identifier}
	}
	delete(r.feeds, f.ID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == f.ID })
	r.cfgMu.Unlock()

	r.publishMu.Lock()
	b := index.From(r.snap.Load(), r.snap.Load().Window())
	b.Remove(f.ID)
	delete(r.applied, f.ID)
	r.publishLocked(b)
	r.publishMu.Unlock()

	r.dropLock(f.ID)

	if fg, ok := r.opts.Source.(forgetter); ok {
		fg.Forget(f.URL)
	}
	appLog.Info("feed removed", "feed_id", f.ID, "name", f.Name)
	return f, nil
}

func (r *Registry) register(f model.FeedConfig) error {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	if existing, ok := r.feeds[f.ID]; ok {
		return &DuplicateFeedError{Field: "id", Value: f.ID, Existing: existing}
	}
	for _, id := range r.order {
		if r.feeds[id].Name == f.Name {
			return &DuplicateFeedError{Field: "name", Value: f.Name, Existing: r.feeds[id]}
		}
	}
	r.feeds[f.ID] = f
	r.order = append(r.order, f.ID)
	return nil
}

func (r *Registry) registered(f model.FeedConfig) bool {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	cur, ok := r.feeds[f.ID]
	return ok && cur == f
}

func (r *Registry) lockFor(feedID string) *feedLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[feedID]
	if !ok {
		l = &feedLock{}
		r.locks[feedID] = l
	}
	return l
}

// window returns the expansion window for a cycle started at now.
func (r *Registry) window(now time.Time) model.Window {
	local := now.In(r.opts.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.opts.Location)
	return model.Window{
		From:  midnight.AddDate(0, 0, -r.opts.BackfillDays),
		Until: midnight.AddDate(0, 0, r.opts.HorizonDays+1),
	}
}

func (r *Registry) publish(b *index.Builder) *index.Snapshot {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	return r.publishLocked(b)
}

func (r *Registry) publishLocked(b *index.Builder) *index.Snapshot {
	r.generation++
	s := b.Freeze(r.generation, r.opts.Clock.Now())
	r.snap.Store(s)
	return s
}

func neverFetched(f model.FeedConfig) index.FeedState {
	return index.FeedState{Feed: f, Status: index.StatusNeverFetched}
}

// Start runs an initial refresh in the background and, unless disabled,
// schedules RefreshAll every RefreshEvery.
func (r *Registry) Start() error {
	logger := appLog.Cron()
	r.cron = cron.New(
		cron.WithLocation(r.opts.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if !r.opts.DisableRefresh && r.opts.RefreshEvery > 0 {
		spec := fmt.Sprintf("@every %s", r.opts.RefreshEvery)
		if _, err := r.cron.AddFunc(spec, func() { r.RefreshAll(r.bgCtx) }); err != nil {
			return fmt.Errorf("schedule refresh %q: %w", spec, err)
		}
		appLog.Info("automatic refresh scheduled", "every", r.opts.RefreshEvery.String())
	} else {
		appLog.Info("automatic refresh disabled")
	}
	r.cron.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RefreshAll(r.bgCtx)
	}()
	return nil
}

// Stop stops the timer, cancels background refreshes and waits for them.
func (r *Registry) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.bgCancel()
	r.wg.Wait()
}

// dropLock forgets feedID's lock unless a refresh holds it or the feed has
// been registered again. A refresh still running on a removed feed drops it
// once its result is discarded.
func (r *Registry) dropLock(feedID string) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[feedID]
	if !ok || !l.mu.TryLock() {
		return
	}
	defer l.mu.Unlock()

	r.cfgMu.RLock()
	_, live := r.feeds[feedID]
	r.cfgMu.RUnlock()
	if !live {
		delete(r.locks, feedID)
	}
}
