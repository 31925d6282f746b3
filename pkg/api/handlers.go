package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"transit511/pkg/store"
	"transit511/pkg/types"

	"github.com/gin-gonic/gin"
)

// Query parameter bounds.
const (
	MinWindow = time.Minute
	MaxWindow = 168 * time.Hour
	MinLimit  = 1
	MaxLimit  = 500

	defaultVehicleLimit = MaxLimit
	defaultAlertLimit   = 50
)

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := s.reader.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) summary(c *gin.Context) {
	window, err := windowParam(c, store.DefaultDashboardWindow)
	if err != nil {
		badRequest(c, err)
		return
	}

	v, err := s.cached(cacheKey(c, window, 0), func() (interface{}, error) {
		return s.reader.Summary(c.Request.Context(), window)
	})
	respond(c, v, err)
}

func (s *Server) activeVehicles(c *gin.Context) {
	window, err := windowParam(c, store.DefaultPositionsWindow)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := limitParam(c, defaultVehicleLimit)
	if err != nil {
		badRequest(c, err)
		return
	}

	v, err := s.cached(cacheKey(c, window, limit), func() (interface{}, error) {
		rows, err := s.reader.LatestPositions(c.Request.Context(), window, limit)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []types.VehicleObservation{}
		}
		return gin.H{"window": window.String(), "count": len(rows), "vehicles": rows}, nil
	})
	respond(c, v, err)
}

func (s *Server) topRoutes(c *gin.Context) {
	window, err := windowParam(c, store.DefaultRouteWindow)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := limitParam(c, store.DefaultRouteLimit)
	if err != nil {
		badRequest(c, err)
		return
	}

	v, err := s.cached(cacheKey(c, window, limit), func() (interface{}, error) {
		rows, err := s.reader.RouteSummaries(c.Request.Context(), window, limit)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []types.RouteSummary{}
		}
		return gin.H{"window": window.String(), "count": len(rows), "routes": rows}, nil
	})
	respond(c, v, err)
}

func (s *Server) hourlyActivity(c *gin.Context) {
	window, err := windowParam(c, store.DefaultHourlyWindow)
	if err != nil {
		badRequest(c, err)
		return
	}

	v, err := s.cached(cacheKey(c, window, 0), func() (interface{}, error) {
		rows, err := s.reader.HourlyActivity(c.Request.Context(), window)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []types.HourlyActivity{}
		}
		return gin.H{"window": window.String(), "hours": rows}, nil
	})
	respond(c, v, err)
}

func (s *Server) recentAlerts(c *gin.Context) {
	window, err := windowParam(c, store.DefaultAlertWindow)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := limitParam(c, defaultAlertLimit)
	if err != nil {
		badRequest(c, err)
		return
	}

	v, err := s.cached(cacheKey(c, window, limit), func() (interface{}, error) {
		rows, err := s.reader.ListAlerts(c.Request.Context(), window, limit)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []types.Alert{}
		}
		return gin.H{"window": window.String(), "count": len(rows), "alerts": rows}, nil
	})
	respond(c, v, err)
}

func windowParam(c *gin.Context, def time.Duration) (time.Duration, error) {
	raw := c.Query("window")
	if raw == "" {
		return def, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q", raw)
	}
	if window < MinWindow || window > MaxWindow {
		return 0, fmt.Errorf("window must be between %s and %s", MinWindow, MaxWindow)
	}
	return window, nil
}

func limitParam(c *gin.Context, def int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit < MinLimit || limit > MaxLimit {
		return 0, fmt.Errorf("limit must be between %d and %d", MinLimit, MaxLimit)
	}
	return limit, nil
}

// cacheKey identifies a response by route and normalized parameters.
func cacheKey(c *gin.Context, window time.Duration, limit int) string {
	return fmt.Sprintf("%s|%s|%d", c.FullPath(), window, limit)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func respond(c *gin.Context, v interface{}, err error) {
	if err != nil {
		slog.Error("Query failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, v)
}
