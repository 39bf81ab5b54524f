// Package admin provides the HTTP admin surface of the lock server: health,
// Prometheus metrics and read-only views of the lock table.
package admin

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/livelock/internal/lock"
	"github.com/kneutral-org/livelock/internal/logging"
	"github.com/kneutral-org/livelock/internal/metrics"
)

// DefaultLockLimit caps the number of locks returned by GET /locks.
const DefaultLockLimit = 1000

// LockInspector is the read-only view of the lock table used by the admin API.
type LockInspector interface {
	Find(pattern string) iter.Seq2[string, time.Time]
	Stats() lock.Stats
}

// LockView is the JSON representation of one held lock.
type LockView struct {
	ID         string    `json:"id"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Handler serves the admin endpoints.
type Handler struct {
	locks  LockInspector
	logger zerolog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(locks LockInspector, logger zerolog.Logger) *Handler {
	return &Handler{
		locks:  locks,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// NewRouter builds a gin engine with recovery, request logging and all admin
// routes registered.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(h.logger))
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the admin routes on router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/locks", h.ListLocks)
	router.GET("/stats", h.GetStats)
	metrics.RegisterMetricsEndpoint(router)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ListLocks returns held locks whose id matches the "pattern" query parameter
// (default "*"), at most "limit" of them.
func (h *Handler) ListLocks(c *gin.Context) {
	pattern := c.DefaultQuery("pattern", "*")

	limit := DefaultLockLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			logging.LoggerFromContext(c.Request.Context()).Debug().Str("limit", raw).Msg("rejected lock listing limit")
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	views := make([]LockView, 0)
	truncated := false
	for id, acquiredAt := range h.locks.Find(pattern) {
		if len(views) == limit {
			truncated = true
			break
		}
		views = append(views, LockView{ID: id, AcquiredAt: acquiredAt.UTC()})
	}

	logging.LoggerFromContext(c.Request.Context()).Debug().
		Str("pattern", pattern).
		Int("count", len(views)).
		Bool("truncated", truncated).
		Msg("locks listed")

	c.JSON(http.StatusOK, gin.H{
		"pattern":   pattern,
		"locks":     views,
		"count":     len(views),
		"truncated": truncated,
	})
}

// GetStats returns lock table counters.
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.locks.Stats())
}

// Server runs the admin router on its own HTTP listener.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates an admin HTTP server listening on addr.
func NewServer(addr string, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(h),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: h.logger,
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("starting admin HTTP server")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("admin HTTP server stopped")
	return nil
}
