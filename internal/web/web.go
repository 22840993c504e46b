package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"multical/internal/config"
	appLog "multical/internal/log"
	"multical/internal/service"
)

// Server exposes the service operations as a JSON API.
type Server struct {
	svc    *service.Service
	auth   *config.BasicAuthConfig
	debug  bool
	engine *gin.Engine
}

// NewServer constructs a Server. auth may be nil.
func NewServer(svc *service.Service, auth *config.BasicAuthConfig, debug bool) *Server {
	s := &Server{svc: svc, auth: auth, debug: debug}
	s.engine = s.newEngine()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) newEngine() *gin.Engine {
	if s.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(p gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s\" %s\n",
				p.ClientIP,
				p.TimeStamp.Format(time.RFC3339),
				p.Method,
				p.Path,
				p.Request.Proto,
				p.StatusCode,
				p.Latency,
				p.ErrorMessage,
			)
		},
		Output:    appLog.Writer(appLog.LevelDebug),
		SkipPaths: []string{"/health"},
	}))
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		api.Use(s.basicAuthMiddleware())
	}
	s.registerRoutes(api)
	return r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. Empty
// username or password disables it.
func (s *Server) basicAuthEnabled() bool {
	return s.auth != nil && s.auth.Username != "" && s.auth.Password != ""
}

// basicAuthMiddleware guards every /api route with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware() gin.HandlerFunc {
	username := s.auth.Username
	password := s.auth.Password

	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			c.Header("WWW-Authenticate", `Basic realm="multical", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "Unauthorized"})
			return
		}
		c.Next()
	}
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen, "debug", s.debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
