package main

import (
	"fmt"
	"strings"
	"time"

	"multical/internal/conflict"
	appLog "multical/internal/log"
	"multical/internal/query"
	"multical/internal/service"
	"multical/internal/web"
)

type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals, env *runEnv) error {
	a, err := g.setup(env.ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.reg.Start(); err != nil {
		return err
	}
	srv := web.NewServer(a.svc, a.cfg.BasicAuth, g.Debug)
	err = srv.Run(env.ctx, a.cfg.Listen)
	appLog.Info("multical exiting")
	return err
}

type AgendaCmd struct {
	When  string   `arg:"" optional:"" default:"today" help:"today, tomorrow, week, month or a YYYY-MM-DD date."`
	Feed  []string `short:"f" help:"Restrict to these feeds (id, name or URL)."`
	Limit int      `help:"Print at most this many events (0 prints all)."`
}

func (c *AgendaCmd) Run(g *Globals, env *runEnv) error {
	a, err := g.setup(env.ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.refreshOnce(env.ctx)

	var res service.EventsResult
	switch w := strings.ToLower(strings.TrimSpace(c.When)); w {
	case "today":
		res, err = a.svc.Today(env.ctx, c.Feed...)
	case "tomorrow":
		res, err = a.svc.Tomorrow(env.ctx, c.Feed...)
	case "week":
		res, err = a.svc.Week(env.ctx, c.Feed...)
	case "month":
		res, err = a.svc.Month(env.ctx, c.Feed...)
	default:
		date, perr := query.ParseDate(w, a.svc.Location())
		if perr != nil {
			return perr
		}
		res, err = a.svc.OnDate(env.ctx, date, c.Feed...)
	}
	if err != nil {
		return err
	}

	events := res.Events
	if c.Limit > 0 && len(events) > c.Limit {
		events = events[:c.Limit]
	}
	_, err = fmt.Fprintln(env.out, renderAgenda(events, res.Window))
	return err
}

type ConflictsCmd struct {
	Days       int      `default:"7" help:"Days to scan starting today."`
	MinOverlap int      `name:"min-overlap" help:"Ignore overlaps shorter than this many minutes."`
	Severity   string   `help:"Lowest severity to report (minor, moderate, major)."`
	AllDay     bool     `name:"all-day" default:"true" negatable:"" help:"Consider all-day events."`
	SameFeed   bool     `name:"same-feed" help:"Report conflicts within a single feed."`
	Feed       []string `short:"f" help:"Restrict to these feeds (id, name or URL)."`
}

func (c *ConflictsCmd) Run(g *Globals, env *runEnv) error {
	sev, err := conflict.ParseSeverity(c.Severity)
	if err != nil {
		return err
	}

	a, err := g.setup(env.ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.refreshOnce(env.ctx)

	res, err := a.svc.Conflicts(env.ctx, service.ConflictRequest{
		Days: c.Days,
		Options: conflict.Options{
			MinOverlap:    time.Duration(c.MinOverlap) * time.Minute,
			IncludeAllDay: c.AllDay,
			MinSeverity:   sev,
			SameFeed:      c.SameFeed,
		},
		Feeds: c.Feed,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.out, renderConflicts(res.Report))
	return err
}

type FeedsCmd struct{}

func (c *FeedsCmd) Run(g *Globals, env *runEnv) error {
	a, err := g.setup(env.ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.refreshOnce(env.ctx)

	res, err := a.svc.ListFeeds(env.ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.out, renderFeeds(res.Feeds, a.svc.Location()))
	return err
}

type VersionCmd struct{}

func (c *VersionCmd) Run(env *runEnv) error {
	_, err := fmt.Fprintln(env.out, "multical", version)
	return err
}
