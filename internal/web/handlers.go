package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"multical/internal/conflict"
	appLog "multical/internal/log"
	"multical/internal/query"
	"multical/internal/service"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type addFeedRequest struct {
	Name string `json:"name"`
	URL  string `json:"url" binding:"required"`
}

func (s *Server) registerRoutes(api *gin.RouterGroup) {
	api.GET("/now", s.handleNow)

	events := api.Group("/events")
	{
		events.GET("/today", s.windowHandler(s.svc.Today))
		events.GET("/tomorrow", s.windowHandler(s.svc.Tomorrow))
		events.GET("/week", s.windowHandler(s.svc.Week))
		events.GET("/month", s.windowHandler(s.svc.Month))
		events.GET("/upcoming", s.handleUpcoming)
		events.GET("/date/:date", s.handleOnDate)
		events.GET("/range", s.handleRange)
		events.GET("/after/:date", s.handleAfterDate)
		events.GET("/search", s.handleSearch)
		events.GET("/uid/:uid", s.handleEventByUID)
	}

	api.GET("/conflicts", s.handleConflicts)

	feeds := api.Group("/feeds")
	{
		feeds.GET("", s.handleListFeeds)
		feeds.POST("", s.handleAddFeed)
		feeds.GET("/:id", s.handleFeedInfo)
		feeds.DELETE("/:id", s.handleRemoveFeed)
		feeds.POST("/:id/refresh", s.handleRefreshFeed)
	}

	api.POST("/refresh", s.handleRefreshAll)

	api.GET("/status", s.handleStatus)
	cacheGroup := api.Group("/cache")
	{
		cacheGroup.GET("/stats", s.handleCacheStats)
		cacheGroup.POST("/stats/reset", s.handleResetCacheStats)
		cacheGroup.DELETE("", s.handleClearCache)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Health(c.Request.Context()))
}

func (s *Server) handleNow(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Now(c.Request.Context()))
}

// feedFilter reads ?feed=a&feed=b or ?feed=a,b.
func feedFilter(c *gin.Context) []string {
	var out []string
	for _, v := range c.QueryArray("feed") {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// windowHandler serves one of the calendar-window queries (today, week...).
func (s *Server) windowHandler(op func(ctx context.Context, feeds ...string) (service.EventsResult, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := op(c.Request.Context(), feedFilter(c)...)
		respond(c, res, err)
	}
}

func (s *Server) handleUpcoming(c *gin.Context) {
	limit, ok := intQuery(c, "limit", query.DefaultUpcomingLimit)
	if !ok {
		return
	}
	res, err := s.svc.Upcoming(c.Request.Context(), limit, feedFilter(c)...)
	respond(c, res, err)
}

func (s *Server) handleOnDate(c *gin.Context) {
	date, err := query.ParseDate(c.Param("date"), s.svc.Location())
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.svc.OnDate(c.Request.Context(), date, feedFilter(c)...)
	respond(c, res, err)
}

func (s *Server) handleRange(c *gin.Context) {
	loc := s.svc.Location()
	from, err := query.ParseTime(c.Query("from"), loc)
	if err != nil {
		fail(c, err)
		return
	}
	until, err := query.ParseTime(c.Query("until"), loc)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.svc.Between(c.Request.Context(), from, until, feedFilter(c)...)
	respond(c, res, err)
}

func (s *Server) handleAfterDate(c *gin.Context) {
	date, err := query.ParseDate(c.Param("date"), s.svc.Location())
	if err != nil {
		fail(c, err)
		return
	}
	limit, ok := intQuery(c, "limit", service.DefaultAfterLimit)
	if !ok {
		return
	}
	res, err := s.svc.AfterDate(c.Request.Context(), date, limit, feedFilter(c)...)
	respond(c, res, err)
}

func (s *Server) handleSearch(c *gin.Context) {
	res, err := s.svc.Search(c.Request.Context(), c.Query("q"), feedFilter(c)...)
	respond(c, res, err)
}

func (s *Server) handleEventByUID(c *gin.Context) {
	res, err := s.svc.EventByUID(c.Request.Context(), c.Param("uid"))
	respond(c, res, err)
}

func (s *Server) handleConflicts(c *gin.Context) {
	loc := s.svc.Location()
	req := service.ConflictRequest{Options: conflict.DefaultOptions(), Feeds: feedFilter(c)}

	if v := c.Query("from"); v != "" {
		t, err := query.ParseTime(v, loc)
		if err != nil {
			fail(c, err)
			return
		}
		req.From = t
	}
	if v := c.Query("until"); v != "" {
		t, err := query.ParseTime(v, loc)
		if err != nil {
			fail(c, err)
			return
		}
		req.Until = t
	}
	if req.From.IsZero() != req.Until.IsZero() {
		fail(c, service.InvalidArgument("from and until must be given together"))
		return
	}

	var ok bool
	if req.Days, ok = intQuery(c, "days", 0); !ok {
		return
	}
	minutes, ok := intQuery(c, "min_overlap", 0)
	if !ok {
		return
	}
	req.Options.MinOverlap = time.Duration(minutes) * time.Minute

	sev, err := conflict.ParseSeverity(c.Query("severity"))
	if err != nil {
		fail(c, service.InvalidArgument("%v", err))
		return
	}
	req.Options.MinSeverity = sev

	if req.Options.IncludeAllDay, ok = boolQuery(c, "include_all_day", true); !ok {
		return
	}
	if req.Options.SameFeed, ok = boolQuery(c, "same_feed", false); !ok {
		return
	}

	res, err := s.svc.Conflicts(c.Request.Context(), req)
	respond(c, res, err)
}

func (s *Server) handleListFeeds(c *gin.Context) {
	res, err := s.svc.ListFeeds(c.Request.Context())
	respond(c, res, err)
}

func (s *Server) handleAddFeed(c *gin.Context) {
	var req addFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, service.InvalidArgument("invalid request body: %v", err))
		return
	}
	res, err := s.svc.AddFeed(c.Request.Context(), req.Name, req.URL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleFeedInfo(c *gin.Context) {
	res, err := s.svc.FeedInfo(c.Request.Context(), c.Param("id"))
	respond(c, res, err)
}

func (s *Server) handleRemoveFeed(c *gin.Context) {
	res, err := s.svc.RemoveFeed(c.Request.Context(), c.Param("id"))
	respond(c, gin.H{"removed": res}, err)
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	res, err := s.svc.Refresh(c.Request.Context(), "")
	respond(c, res, err)
}

func (s *Server) handleRefreshFeed(c *gin.Context) {
	res, err := s.svc.Refresh(c.Request.Context(), c.Param("id"))
	respond(c, res, err)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status(c.Request.Context()))
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.CacheStats())
}

func (s *Server) handleResetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ResetCacheStats())
}

// handleClearCache drops cached results; ?op=today limits it to one operation.
func (s *Server) handleClearCache(c *gin.Context) {
	res, err := s.svc.ClearCache(c.Request.Context(), strings.TrimSpace(c.Query("op")))
	respond(c, res, err)
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fail(c, service.InvalidArgument("%s must be an integer, got %q", key, v))
		return 0, false
	}
	return n, true
}

func boolQuery(c *gin.Context, key string, def bool) (bool, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fail(c, service.InvalidArgument("%s must be a boolean, got %q", key, v))
		return false, false
	}
	return b, true
}

func respond(c *gin.Context, body any, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, err error) {
	se := service.AsError(err)
	status := statusFor(se.Code)
	if status >= http.StatusInternalServerError {
		appLog.Error("api request failed", se, "path", c.FullPath(), "code", se.Code)
	}
	c.AbortWithStatusJSON(status, errorBody{Code: se.Code, Message: se.Message})
}

func statusFor(code string) int {
	switch code {
	case service.CodeQuery, service.CodeConfiguration:
		return http.StatusBadRequest
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeDuplicateFeed:
		return http.StatusConflict
	case service.CodeFetch, service.CodeParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
