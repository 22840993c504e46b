package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	appLog "multical/internal/log"
)

const version = "0.3.0"

// Globals are the settings shared by every command. Flags and env override
// the config file.
type Globals struct {
	Config         string `help:"Path to config file (.yaml or .toml)." env:"MULTICAL_CONFIG" default:"/etc/multical/config.yaml" type:"path"`
	Listen         string `help:"HTTP listen address (overrides config)." env:"LISTEN"`
	Timezone       string `help:"IANA time zone (overrides config)." env:"TIMEZONE"`
	RefreshMinutes string `name:"refresh-minutes" help:"Refresh period in minutes; 0 disables (overrides config)." env:"REFRESH_INTERVAL"`
	Feeds          string `help:"Feed list as JSON or name=url;name=url (replaces config feeds)." env:"ICAL_FEED_CONFIGS"`
	RedisURL       string `name:"redis-url" help:"redis:// URL of the shared cache (overrides config)." env:"REDIS_URL"`
	Debug          bool   `help:"Enable debug logging." env:"DEBUG"`
}

// CLI is the kong command tree.
type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the refresh timer and the HTTP API."`
	Agenda    AgendaCmd    `cmd:"" help:"Refresh once and print an agenda."`
	Conflicts ConflictsCmd `cmd:"" help:"Refresh once and print scheduling conflicts."`
	FeedList  FeedsCmd     `cmd:"" name:"feeds" help:"Refresh once and print feed status."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("multical"),
		kong.Description("Aggregate iCalendar feeds into one queryable calendar."),
		kong.UsageOnError(),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	err := kctx.Run(&cli.Globals, &runEnv{ctx: ctx, out: os.Stdout})
	if err != nil {
		appLog.Error("multical failed", err, "command", kctx.Command())
		os.Exit(1)
	}
}
