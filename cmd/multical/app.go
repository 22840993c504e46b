package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"multical/internal/cache"
	"multical/internal/config"
	appLog "multical/internal/log"
	"multical/internal/query"
	"multical/internal/registry"
	"multical/internal/service"
)

// runEnv carries the process context and the output stream into commands.
type runEnv struct {
	ctx context.Context
	out io.Writer
}

// app is a fully wired registry and service built from config.
type app struct {
	cfg   *config.Config
	reg   *registry.Registry
	svc   *service.Service
	cache cache.Cache
}

func (a *app) Close() {
	a.reg.Stop()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			appLog.Warn("cache close failed", "err", err)
		}
	}
}

// loadConfig reads the config file and applies flag and env overrides.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		if cfg == nil {
			return nil, err
		}
		// Default config could not be written back; keep going with it.
		appLog.Warn("failed to write default config", "config_path", g.Config, "err", err)
	}

	if g.Listen != "" {
		cfg.Listen = g.Listen
	}
	if g.Timezone != "" {
		cfg.Timezone = g.Timezone
	}
	if v := strings.TrimSpace(g.RefreshMinutes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "refresh_minutes", Value: v, Reason: "must be an integer", Err: err}
		}
		cfg.RefreshMinutes = n
	}
	if g.Feeds != "" {
		entries, errs := config.ParseFeedList(g.Feeds)
		for _, e := range errs {
			appLog.Warn("ignoring feed entry", "err", e)
		}
		cfg.Feeds = entries
	}
	if g.RedisURL != "" {
		if cfg.Redis == nil {
			cfg.Redis = &config.RedisConfig{}
		}
		cfg.Redis.URL = g.RedisURL
	}
	cfg.Normalize()
	return cfg, nil
}

// setup builds the registry and service. It does not start the timer.
func (g *Globals) setup(ctx context.Context) (*app, error) {
	if g.Debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	feeds, errs := cfg.ValidFeeds()
	for _, e := range errs {
		appLog.Warn("ignoring feed", "err", e)
	}
	if len(feeds) == 0 {
		appLog.Warn("no calendar feeds configured")
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh_minutes", cfg.RefreshMinutes,
		"horizon_days", cfg.HorizonDays,
		"backfill_days", cfg.BackfillDays,
		"feeds", len(feeds),
		"redis", cfg.Redis != nil && cfg.Redis.URL != "",
	)

	reg, err := registry.FromEntries(feeds, registry.OptionsFromConfig(cfg, loc))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, reg: reg}
	opts := service.Options{WeekStart: query.ParseWeekday(cfg.WeekStart), Config: cfg}
	if cfg.Redis != nil && cfg.Redis.URL != "" {
		c, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			// The cache is optional; serve uncached.
			appLog.Warn("redis cache unavailable", "url", appLog.RedactURL(cfg.Redis.URL), "err", err)
		} else {
			a.cache = c
			opts.Cache = c
			opts.CacheTTL = time.Duration(cfg.Redis.TTLSeconds) * time.Second
		}
	}
	a.svc = service.New(reg, opts)
	return a, nil
}

// refreshOnce runs one refresh cycle and logs feeds that failed.
func (a *app) refreshOnce(ctx context.Context) registry.Report {
	rep := a.reg.RefreshAll(ctx)
	for _, o := range rep.Failed() {
		appLog.Warn("feed refresh failed", "feed", o.Name, "reason", o.Reason)
	}
	for _, o := range rep.Skipped() {
		appLog.Debug("feed refresh discarded", "feed", o.Name, "reason", o.Reason)
	}
	return rep
}
