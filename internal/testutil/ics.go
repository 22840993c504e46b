package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Event is one VEVENT for ICS. Lines are raw content lines such as
// "DTSTART:20240601T100000Z".
type Event struct {
	UID     string
	Summary string
	Lines   []string
}

// ICS renders a VCALENDAR with CRLF line endings.
func ICS(name string, events ...Event) string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//multical//test//EN",
	}
	if name != "" {
		lines = append(lines, "X-WR-CALNAME:"+name)
	}
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT", "UID:"+ev.UID, "DTSTAMP:20240101T000000Z")
		if ev.Summary != "" {
			lines = append(lines, "SUMMARY:"+ev.Summary)
		}
		lines = append(lines, ev.Lines...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return strings.Join(lines, "\r\n") + "\r\n"
}

// Timed returns an event with UTC DTSTART/DTEND.
func Timed(uid, summary string, start, end time.Time, extra ...string) Event {
	lines := append([]string{
		"DTSTART:" + start.UTC().Format("20060102T150405Z"),
		"DTEND:" + end.UTC().Format("20060102T150405Z"),
	}, extra...)
	return Event{UID: uid, Summary: summary, Lines: lines}
}

// FeedServer serves ICS bodies keyed by path. Bodies, status codes and
// artificial delays can be changed while the server runs.
type FeedServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	delay  map[string]time.Duration
	hits   map[string]int
}

// NewFeedServer starts a FeedServer and registers its shutdown with t.
func NewFeedServer(t testing.TB) *FeedServer {
	t.Helper()
	fs := &FeedServer{
		bodies: make(map[string]string),
		status: make(map[string]int),
		delay:  make(map[string]time.Duration),
		hits:   make(map[string]int),
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *FeedServer) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	body, ok := fs.bodies[r.URL.Path]
	status := fs.status[r.URL.Path]
	delay := fs.delay[r.URL.Path]
	fs.hits[r.URL.Path]++
	fs.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

// Set serves body at path with status 200.
func (fs *FeedServer) Set(path, body string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bodies[path] = body
	delete(fs.status, path)
	return fs.URL + path
}

// Fail makes path answer with status.
func (fs *FeedServer) Fail(path string, status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status[path] = status
}

// Delay makes path wait d (or until the client gives up) before answering.
func (fs *FeedServer) Delay(path string, d time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.delay[path] = d
}

// Hits returns how many requests path has received.
func (fs *FeedServer) Hits(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[path]
}
