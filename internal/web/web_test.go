package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multical/internal/cache"
	"multical/internal/config"
	"multical/internal/model"
	"multical/internal/registry"
	"multical/internal/service"
	"multical/internal/testutil"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	handler http.Handler
	srv     *testutil.FeedServer
	work    model.FeedConfig
}

func newHarness(t *testing.T, auth *config.BasicAuthConfig) harness {
	t.Helper()
	return newHarnessWith(t, auth, service.Options{})
}

func newHarnessWith(t *testing.T, auth *config.BasicAuthConfig, opts service.Options) harness {
	t.Helper()
	srv := testutil.NewFeedServer(t)
	work := model.NewFeedConfig("Work", srv.Set("/work.ics", testutil.ICS("Work",
		testutil.Timed("review", "Design review", day.Add(10*time.Hour), day.Add(11*time.Hour)))))
	personal := model.NewFeedConfig("Personal", srv.Set("/personal.ics", testutil.ICS("Personal",
		testutil.Timed("coffee", "Coffee", day.Add(10*time.Hour+30*time.Minute), day.Add(11*time.Hour+30*time.Minute)))))

	reg, err := registry.New([]model.FeedConfig{work, personal}, registry.Options{
		Clock: testutil.FixedClock(),
		IDs:   testutil.NewStubIDGenerator(),
	})
	require.NoError(t, err)
	t.Cleanup(reg.Stop)
	reg.RefreshAll(context.Background())

	s := NewServer(service.New(reg, opts), auth, false)
	return harness{handler: s.Handler(), srv: srv, work: work}
}

func (h harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndNow(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	w = h.do(t, http.MethodGet, "/api/now", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-06-01", decode[service.NowResult](t, w).Date)
}

func TestBasicAuth(t *testing.T) {
	h := newHarness(t, &config.BasicAuthConfig{Username: "admin", Password: "s3cret"})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "").Code)

	w := h.do(t, http.MethodGet, "/api/events/today", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/events/today", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/events/today", nil)
	req.SetBasicAuth("admin", "s3cret")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBasicAuthDisabledWhenIncomplete(t *testing.T) {
	h := newHarness(t, &config.BasicAuthConfig{Username: "admin"})
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/events/today", "").Code)
}

func TestEventRoutes(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		target string
		count  int
	}{
		{"/api/events/today", 2},
		{"/api/events/today?feed=Work", 1},
		{"/api/events/tomorrow", 0},
		{"/api/events/week", 2},
		{"/api/events/month", 2},
		{"/api/events/upcoming?limit=1", 1},
		{"/api/events/date/2024-06-01", 2},
		{"/api/events/range?from=2024-06-01T11:00:00Z&until=2024-06-01T12:00:00Z", 1},
		{"/api/events/after/2024-05-01?limit=5", 2},
		{"/api/events/search?q=coffee", 1},
		{"/api/events/uid/review", 1},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := h.do(t, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			res := decode[service.EventsResult](t, w)
			assert.Equal(t, tt.count, res.Count)
			assert.Len(t, res.Events, tt.count)
		})
	}
}

func TestEventRouteErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		target string
		status int
		code   string
	}{
		{"/api/events/date/June-1", http.StatusBadRequest, service.CodeQuery},
		{"/api/events/range?from=2024-06-02&until=2024-06-01", http.StatusBadRequest, service.CodeQuery},
		{"/api/events/range?from=tomorrow&until=2024-06-01", http.StatusBadRequest, service.CodeQuery},
		{"/api/events/after/2024-06-01?limit=x", http.StatusBadRequest, service.CodeQuery},
		{"/api/events/search", http.StatusBadRequest, service.CodeQuery},
		{"/api/events/uid/missing", http.StatusNotFound, service.CodeNotFound},
		{"/api/events/today?feed=nope", http.StatusNotFound, service.CodeNotFound},
		{"/api/conflicts?severity=critical", http.StatusBadRequest, service.CodeQuery},
		{"/api/conflicts?from=2024-06-01", http.StatusBadRequest, service.CodeQuery},
		{"/api/conflicts?same_feed=maybe", http.StatusBadRequest, service.CodeQuery},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := h.do(t, http.MethodGet, tt.target, "")
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, w).Code)
		})
	}
}

func TestConflictsRoute(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/conflicts", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[service.ConflictsResult](t, w)
	require.Len(t, res.Groups, 1)
	assert.EqualValues(t, "moderate", res.Groups[0].Severity)
	assert.Equal(t, 1, res.Stats.Groups)

	w = h.do(t, http.MethodGet, "/api/conflicts?severity=major", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[service.ConflictsResult](t, w).Groups)

	w = h.do(t, http.MethodGet, "/api/conflicts?min_overlap=45", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[service.ConflictsResult](t, w).Groups)
}

func TestFeedRoutes(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/feeds", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[service.FeedsResult](t, w).Feeds, 2)

	w = h.do(t, http.MethodGet, "/api/feeds/Work", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, h.work.ID, decode[service.FeedResult](t, w).Feed.Feed.ID)

	w = h.do(t, http.MethodPost, "/api/feeds", `{"name":"Copy","url":"`+h.work.URL+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, service.CodeDuplicateFeed, decode[errorBody](t, w).Code)

	w = h.do(t, http.MethodPost, "/api/feeds", `{"name":"NoURL"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	url := h.srv.Set("/holidays.ics", testutil.ICS("Holidays"))
	w = h.do(t, http.MethodPost, "/api/feeds", `{"name":"Holidays","url":"`+url+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	added := decode[service.FeedResult](t, w)
	assert.Equal(t, "Holidays", added.Feed.Feed.Name)

	w = h.do(t, http.MethodPost, "/api/feeds/Holidays/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[registry.Report](t, w)
	assert.Equal(t, registry.OutcomeSuccess, rep.Outcomes[added.Feed.Feed.ID].Status)

	w = h.do(t, http.MethodDelete, "/api/feeds/Holidays", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodDelete, "/api/feeds/Holidays", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodGet, "/api/feeds/Holidays", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshAllRoute(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[registry.Report](t, w)
	assert.Len(t, rep.Outcomes, 2)
	assert.NotZero(t, rep.Generation)
}

func TestStatusAndCacheRoutes(t *testing.T) {
	mem := cache.NewMemory(nil)
	cfg := &config.Config{
		Feeds:     []config.FeedEntry{{Name: "Work", URL: "https://example.com/secret-token/work.ics"}},
		BasicAuth: &config.BasicAuthConfig{Username: "admin", Password: "hunter2"},
	}
	h := newHarnessWith(t, nil, service.Options{Cache: mem, Config: cfg})

	for range 2 {
		require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/events/today", "").Code)
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/events/week", "").Code)

	w := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-token")
	assert.NotContains(t, w.Body.String(), "hunter2")
	st := decode[service.StatusResult](t, w)
	assert.Equal(t, 2, st.Feeds)
	assert.Equal(t, int64(1), st.Cache.Hits)
	assert.Equal(t, int64(2), st.Cache.Misses)

	w = h.do(t, http.MethodDelete, "/api/cache?op=today", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[service.ClearResult](t, w).Deleted)
	assert.Equal(t, 1, mem.Len())

	w = h.do(t, http.MethodDelete, "/api/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[service.ClearResult](t, w).Deleted)

	w = h.do(t, http.MethodPost, "/api/cache/stats/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[service.CacheStats](t, w).Hits)

	w = h.do(t, http.MethodGet, "/api/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[service.CacheStats](t, w).Hits)
}

func TestClearCacheWithoutCache(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodDelete, "/api/cache", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, service.CodeConfiguration, decode[errorBody](t, w).Code)
}
