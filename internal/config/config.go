package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	appLog "multical/internal/log"
	"multical/internal/model"
)

// FeedEntry is one {name, url} pair from configuration. Name may be empty;
// a default is derived from the URL when the feed is registered.
type FeedEntry struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	URL  string `yaml:"url" toml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

// RedisConfig enables the optional shared read-through cache.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL        string `yaml:"url" toml:"url" json:"url"`
	TTLSeconds int    `yaml:"ttl_seconds" toml:"ttl_seconds" json:"ttl_seconds"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	// Timezone is the IANA zone every occurrence is normalized into.
	Timezone string `yaml:"timezone" toml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" toml:"week_start" json:"week_start"`

	// RefreshMinutes drives the background refresh timer. Zero or negative
	// disables automatic refresh.
	RefreshMinutes int `yaml:"refresh_minutes" toml:"refresh_minutes" json:"refresh_minutes"`

	// HorizonDays and BackfillDays bound the expansion window relative to
	// the refresh time.
	HorizonDays  int `yaml:"horizon_days" toml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" toml:"backfill_days" json:"backfill_days"`

	FetchTimeoutSeconds    int `yaml:"fetch_timeout_seconds" toml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	MaxConcurrentFetches   int `yaml:"max_concurrent_fetches" toml:"max_concurrent_fetches" json:"max_concurrent_fetches"`
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" toml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	Feeds []FeedEntry `yaml:"feeds" toml:"feeds" json:"feeds"`

	// BasicAuth, if set, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" toml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Redis *RedisConfig `yaml:"redis,omitempty" toml:"redis,omitempty" json:"redis,omitempty"`
}

const (
	defaultListen                 = "127.0.0.1:8080"
	defaultTimezone               = "UTC"
	defaultRefreshMinutes         = 60
	defaultHorizonDays            = 180
	defaultBackfillDays           = 31
	defaultFetchTimeoutSeconds    = 30
	defaultMaxConcurrentFetches   = 4
	defaultMaxOccurrencesPerEvent = 5000
	defaultRedisTTLSeconds        = 300
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 defaultListen,
		Timezone:               defaultTimezone,
		WeekStart:              "monday",
		RefreshMinutes:         defaultRefreshMinutes,
		HorizonDays:            defaultHorizonDays,
		BackfillDays:           defaultBackfillDays,
		FetchTimeoutSeconds:    defaultFetchTimeoutSeconds,
		MaxConcurrentFetches:   defaultMaxConcurrentFetches,
		MaxOccurrencesPerEvent: defaultMaxOccurrencesPerEvent,
		Feeds:                  []FeedEntry{},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly. RefreshMinutes is left alone:
// non-positive values are meaningful.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart))
	if c.WeekStart == "" {
		c.WeekStart = "monday"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultFetchTimeoutSeconds
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if c.Feeds == nil {
		c.Feeds = []FeedEntry{}
	}
	if c.Redis != nil && c.Redis.TTLSeconds <= 0 {
		c.Redis.TTLSeconds = defaultRedisTTLSeconds
	}
}

// Validate checks the settings that must be correct for the process to start
// and returns the resolved timezone. Feed entries are not checked here; see
// ValidFeeds.
func (c *Config) Validate() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, &ConfigurationError{Field: "timezone", Value: c.Timezone, Reason: "unknown IANA time zone", Err: err}
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		return nil, &ConfigurationError{Field: "week_start", Value: c.WeekStart, Reason: `must be "monday" or "sunday"`}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		return nil, &ConfigurationError{Field: "basic_auth", Reason: "username and password must both be set"}
	}
	return loc, nil
}

// ValidFeeds returns the feed entries that pass URL validation, plus one
// ConfigurationError per rejected entry. Duplicate URLs keep the first entry.
func (c *Config) ValidFeeds() ([]FeedEntry, []error) {
	return validateEntries(c.Feeds)
}

func validateEntries(entries []FeedEntry) ([]FeedEntry, []error) {
	valid := make([]FeedEntry, 0, len(entries))
	var errs []error
	seen := make(map[string]int)
	for i, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.URL = strings.TrimSpace(e.URL)
		field := fmt.Sprintf("feeds[%d]", i)
		if err := model.ValidateFeedURL(e.URL); err != nil {
			errs = append(errs, &ConfigurationError{Field: field, Value: e.Name, Reason: "invalid url", Err: err})
			continue
		}
		id := model.FeedID(e.URL)
		if prev, ok := seen[id]; ok {
			errs = append(errs, &ConfigurationError{Field: field, Value: e.Name, Reason: fmt.Sprintf("duplicate url (same as feeds[%d])", prev)})
			continue
		}
		seen[id] = i
		valid = append(valid, e)
	}
	return valid, errs
}

// RefreshInterval returns the refresh period, or zero when automatic refresh
// is disabled.
func (c *Config) RefreshInterval() time.Duration {
	if c.RefreshMinutes <= 0 {
		return 0
	}
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// FetchTimeout returns the per-feed fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Load loads configuration from path. The format is TOML when the path ends
// in ".toml" and YAML otherwise.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - Otherwise the file is decoded over DefaultConfig, so absent keys keep
//     their defaults, and the result is normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := encode(path, cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".multical-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Redacted returns a copy of c that is safe to show: feed and Redis URLs keep
// only scheme and host, and the basic auth password is masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Feeds = make([]FeedEntry, len(c.Feeds))
	for i, f := range c.Feeds {
		out.Feeds[i] = FeedEntry{Name: f.Name, URL: appLog.RedactURL(f.URL)}
	}
	if c.BasicAuth != nil {
		out.BasicAuth = &BasicAuthConfig{Username: c.BasicAuth.Username}
		if c.BasicAuth.Password != "" {
			out.BasicAuth.Password = "********"
		}
	}
	if c.Redis != nil {
		out.Redis = &RedisConfig{URL: appLog.RedactURL(c.Redis.URL), TTLSeconds: c.Redis.TTLSeconds}
	}
	return out
}

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if !isTOML(path) {
		return yaml.Marshal(cfg)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
