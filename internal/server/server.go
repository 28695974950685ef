// Package server exposes the operator HTTP surface: trigger runs, resume
// halted entities, and inspect collection status and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tapelab/go-feed-collector/internal/feed"
	"github.com/tapelab/go-feed-collector/internal/models"
	"github.com/tapelab/go-feed-collector/internal/scheduler"
	"github.com/tapelab/go-feed-collector/internal/storage"
)

const healthTimeout = 5 * time.Second

// Server wires the scheduler and storage into an HTTP API.
type Server struct {
	scheduler *scheduler.Scheduler
	store     storage.Store
	checker   feed.HealthChecker
	logger    *slog.Logger
	engine    *gin.Engine
	http      *http.Server
}

// New builds the HTTP server. addr is the listen address, e.g. ":8080".
func New(addr string, sched *scheduler.Scheduler, store storage.Store, checker feed.HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		scheduler: sched,
		store:     store,
		checker:   checker,
		logger:    logger,
		engine:    engine,
	}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/runs/incremental/:entity", s.handleIncremental)
		api.POST("/runs/backfill", s.handleBackfill)
		api.POST("/entities/:entity/resume", s.handleResume)
	}
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	health := gin.H{"status": "ok"}
	code := http.StatusOK

	if err := s.store.HealthCheck(ctx); err != nil {
		health["status"] = "degraded"
		health["storage"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.checker != nil {
		if err := s.checker.HealthCheck(ctx); err != nil {
			// Upstream being down is reported but does not fail readiness:
			// the collector retries on its own schedule.
			health["upstream"] = err.Error()
		}
	}

	c.JSON(code, health)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entities": s.scheduler.Status()})
}

func (s *Server) handleIncremental(c *gin.Context) {
	entity, err := models.ParseEntityType(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.scheduler.TriggerIncremental(c.Request.Context(), entity)
	s.respondRun(c, result, err)
}

type backfillRequest struct {
	Entity string    `json:"entity_type" binding:"required"`
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until"`

	// Duration is a convenience alternative to an explicit window:
	// backfill the last N (e.g. "24h") ending now.
	Duration string `json:"duration"`
}

func (s *Server) handleBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	entity, err := models.ParseEntityType(req.Entity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	since, until := req.Since, req.Until
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid duration %q", req.Duration)})
			return
		}
		until = time.Now().UTC()
		since = until.Add(-d)
	}
	if since.IsZero() || until.IsZero() || !since.Before(until) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a valid window is required: since/until or duration"})
		return
	}

	result, err := s.scheduler.TriggerBackfill(c.Request.Context(), entity, since, until)
	s.respondRun(c, result, err)
}

func (s *Server) handleResume(c *gin.Context) {
	entity, err := models.ParseEntityType(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.scheduler.Resume(entity); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": entity, "resumed": true})
}

// respondRun maps run outcomes onto HTTP codes. The partial result is
// included on failure so operators can see what committed.
func (s *Server) respondRun(c *gin.Context, result any, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"run": result})
	case errors.Is(err, scheduler.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrEntityHalted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case feed.IsFatal(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "run": result})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run": result})
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
