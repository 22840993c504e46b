package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmptyURL is returned by ValidateFeedURL for blank input.
var ErrEmptyURL = errors.New("feed url is empty")

// ValidateFeedURL checks that raw is an absolute http, https or webcal URL
// with a host.
func ValidateFeedURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("feed url is not parseable: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "webcal":
	default:
		return fmt.Errorf("feed url scheme %q is not supported (want http, https or webcal)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("feed url has no host")
	}
	return nil
}

// FetchURL returns the URL to request for a feed. webcal:// is an alias for
// https://.
func FetchURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= len("webcal://") && strings.EqualFold(raw[:len("webcal://")], "webcal://") {
		return "https://" + raw[len("webcal://"):]
	}
	return raw
}

// DefaultFeedName derives a display name from a feed URL: the first host
// label, plus the last path segment when it is not an .ics file name.
func DefaultFeedName(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "calendar"
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	domain, _, _ := strings.Cut(host, ".")

	path := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if path != "" && !strings.HasSuffix(strings.ToLower(path), ".ics") {
		return domain + "-" + path
	}
	if domain == "" {
		return "calendar"
	}
	return domain
}
