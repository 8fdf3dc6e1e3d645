package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/jobs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/scheduler"
	"github.com/couchcryptid/senamhi-tracker-service/internal/service"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

// API is the service surface served under /api/v1.
type API interface {
	sharedobs.ReadinessChecker
	GetWarning(ctx context.Context, number int) (domain.Warning, error)
	ListActiveWarnings(ctx context.Context) ([]domain.Warning, error)
	GetGeometries(ctx context.Context, number int, day *int) ([]domain.GeometryRecord, error)
	TriggerJob(ctx context.Context, kind domain.JobKind, opts jobs.Options) (domain.ScrapeRun, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]domain.ScrapeRun, error)
	JobStatus() []scheduler.JobStatus
	ListLocations(ctx context.Context, department string) ([]domain.Location, error)
	LatestForecasts(ctx context.Context, locationID uint) ([]domain.Forecast, error)
	ForecastHistory(ctx context.Context, locationID uint, date time.Time) ([]domain.Forecast, error)
	ActiveGeometries(ctx context.Context, day *int) ([]service.WarningGeometries, error)
}

// Server exposes health, readiness, metrics and the tracker API.
type Server struct {
	httpServer *http.Server
	api        API
	logger     *slog.Logger
}

// NewServer creates an HTTP server. corsOrigins of "*" allows any origin.
func NewServer(addr string, api API, corsOrigins []string, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.Use(cors.New(corsConfig(corsOrigins)))

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		api:    api,
		logger: logger,
	}

	r.GET("/healthz", gin.WrapF(sharedobs.LivenessHandler()))
	r.GET("/readyz", gin.WrapF(sharedobs.ReadinessHandler(api)))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/warnings/active", s.listActiveWarnings)
	v1.GET("/warnings/active/geometry", s.activeGeometry)
	v1.GET("/warnings/:number", s.getWarning)
	v1.GET("/warnings/:number/geometry", s.getGeometry)
	v1.GET("/locations", s.listLocations)
	v1.GET("/locations/:id/forecasts", s.latestForecasts)
	v1.GET("/locations/:id/forecasts/history", s.forecastHistory)
	v1.GET("/runs", s.listRuns)
	v1.GET("/jobs", s.jobStatus)
	v1.POST("/jobs/:kind", s.triggerJob)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// fail maps service errors to status codes.
func (s *Server) fail(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobRunning):
		status = http.StatusConflict
	default:
		s.logger.Error(msg, "route", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"message": err.Error(),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
