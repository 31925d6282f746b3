package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"transit511/pkg/types"

	"github.com/bluele/gcache"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	cacheSize       = 256
	shutdownTimeout = 5 * time.Second
	healthTimeout   = 2 * time.Second
)

// Reader is the read side of the store.
type Reader interface {
	Ping(ctx context.Context) error
	Summary(ctx context.Context, window time.Duration) (types.Summary, error)
	LatestPositions(ctx context.Context, window time.Duration, limit int) ([]types.VehicleObservation, error)
	RouteSummaries(ctx context.Context, window time.Duration, limit int) ([]types.RouteSummary, error)
	HourlyActivity(ctx context.Context, window time.Duration) ([]types.HourlyActivity, error)
	ListAlerts(ctx context.Context, window time.Duration, limit int) ([]types.Alert, error)
}

type Config struct {
	Listen    string
	// CacheTTL is how long a response is reused. Zero disables caching.
	CacheTTL  time.Duration
	// LogWriter receives request logs. Defaults to stdout.
	LogWriter io.Writer
}

// Server is the read-only query API.
type Server struct {
	config Config
	reader Reader
	cache  gcache.Cache
	router *gin.Engine
}

func New(config Config, reader Reader) *Server {
	if config.LogWriter == nil {
		config.LogWriter = os.Stdout
	}

	s := &Server{
		config: config,
		reader: reader,
	}

	if config.CacheTTL > 0 {
		s.cache = gcache.New(cacheSize).
			LRU().
			Expiration(config.CacheTTL).
			Build()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithWriter(config.LogWriter),
		logger.WithSkipPath([]string{"/healthz"}),
	))

	router.GET("/healthz", s.health)

	v1 := router.Group("/api/v1")
	v1.GET("/summary", s.summary)
	v1.GET("/vehicles/active", s.activeVehicles)
	v1.GET("/routes/top", s.topRoutes)
	v1.GET("/activity/hourly", s.hourlyActivity)
	v1.GET("/alerts/recent", s.recentAlerts)

	s.router = router
	return s
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "api")
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Query API listening", "addr", s.config.Listen, "cache_ttl", s.config.CacheTTL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("query API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down query API: %w", err)
	}
	slog.Info("Query API stopped")
	return nil
}

// cached returns the value stored under key, loading and storing it on a miss.
func (s *Server) cached(key string, load func() (interface{}, error)) (interface{}, error) {
	if s.cache != nil {
		if v, err := s.cache.Get(key); err == nil {
			return v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(key, v); err != nil {
			slog.Warn("Failed to cache response", "key", key, "error", err)
		}
	}
	return v, nil
}
