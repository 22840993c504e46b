package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	appLog "multical/internal/log"
	"multical/internal/model"
)

const (
	defaultMaxBodySize = 10 << 20
	defaultUserAgent   = "multical/1.0"
)

// Document is a raw feed payload plus fetch metadata. It is transient: the
// registry parses it and drops it.
type Document struct {
	URL        string
	Body       []byte
	FetchedAt  time.Time
	Size       int
	StatusCode int
	// NotModified is true when the server answered 304 and Body is the
	// payload remembered from the previous successful fetch.
	NotModified bool
}

// validators holds HTTP cache metadata for a single feed URL.
type validators struct {
	etag         string
	lastModified string
	body         []byte
}

// Fetcher fetches feeds with conditional GET (ETag / Last-Modified). It does
// not apply its own deadline: callers bound each fetch through ctx.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]validators
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBodySize caps the accepted response size.
func WithMaxBodySize(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBody = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithNow sets the clock used for Document.FetchedAt.
func WithNow(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{},
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxBodySize,
		now:       time.Now,
		cache:     make(map[string]validators),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves one feed. Any failure is returned as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	target := model.FetchURL(rawURL)
	redacted := appLog.RedactURL(target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Document{}, &FetchError{Kind: FetchNetwork, URL: redacted, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.8")

	f.mu.Lock()
	prev, hasPrev := f.cache[target]
	f.mu.Unlock()
	if hasPrev {
		if prev.etag != "" {
			req.Header.Set("If-None-Match", prev.etag)
		}
		if prev.lastModified != "" {
			req.Header.Set("If-Modified-Since", prev.lastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redacted, "conditional", hasPrev)

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, classify(redacted, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if !hasPrev {
			return Document{}, &FetchError{Kind: FetchHTTPStatus, StatusCode: resp.StatusCode, URL: redacted}
		}
		appLog.Debug("ics fetch not modified", "url", redacted)
		return Document{
			URL:         target,
			Body:        prev.body,
			FetchedAt:   f.now(),
			Size:        len(prev.body),
			StatusCode:  resp.StatusCode,
			NotModified: true,
		}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
		if err != nil {
			return Document{}, classify(redacted, err)
		}
		if int64(len(body)) > f.maxBody {
			return Document{}, &FetchError{Kind: FetchNetwork, URL: redacted, Err: fmt.Errorf("response body exceeds %d bytes", f.maxBody)}
		}

		etag := resp.Header.Get("ETag")
		lastModified := resp.Header.Get("Last-Modified")
		f.mu.Lock()
		if etag != "" || lastModified != "" {
			f.cache[target] = validators{etag: etag, lastModified: lastModified, body: body}
		} else {
			delete(f.cache, target)
		}
		f.mu.Unlock()

		appLog.Debug("ics fetch success", "url", redacted, "status", resp.StatusCode, "bytes", len(body))
		return Document{
			URL:        target,
			Body:       body,
			FetchedAt:  f.now(),
			Size:       len(body),
			StatusCode: resp.StatusCode,
		}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Document{}, &FetchError{Kind: FetchHTTPStatus, StatusCode: resp.StatusCode, URL: redacted}
	}
}

// Forget drops conditional-GET state for a feed URL.
func (f *Fetcher) Forget(rawURL string) {
	f.mu.Lock()
	delete(f.cache, model.FetchURL(rawURL))
	f.mu.Unlock()
}

func classify(redacted string, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchTimeout, URL: redacted, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: FetchTimeout, URL: redacted, Err: err}
	}
	return &FetchError{Kind: FetchNetwork, URL: redacted, Err: err}
}
