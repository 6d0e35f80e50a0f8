// Package web serves the HTTP command and status API for story pipelines.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// DefaultPollInterval is how often the event stream checks for new events.
const DefaultPollInterval = 2 * time.Second

// Server exposes the orchestrator over HTTP.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	store  *pipeline.Store
	logger *zap.Logger
	addr   string

	pollInterval time.Duration
}

// NewServer creates a Server listening on addr once started.
func NewServer(orch *orchestrator.Orchestrator, store *pipeline.Store, logger *zap.Logger, addr string) (*Server, error) {
	if orch == nil || store == nil {
		return nil, fmt.Errorf("orchestrator and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:         e,
		orch:         orch,
		store:        store,
		logger:       logger,
		addr:         addr,
		pollInterval: DefaultPollInterval,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/stories", s.handleCreateStory)
	v1.GET("/stories", s.handleListStories)
	v1.GET("/stories/:id", s.handleGetStory)
	v1.DELETE("/stories/:id", s.handleDeleteStory)
	v1.GET("/stories/:id/events", s.handleEvents)
	v1.GET("/stories/:id/events/stream", s.handleEventStream)
	v1.GET("/stats", s.handleStats)

	p := v1.Group("/stories/:id/pipeline")
	p.GET("", s.handleStatus)
	p.POST("/start", s.handleStart)
	p.POST("/approve", s.handleApprove)
	p.POST("/retry", s.handleRetry)
	p.POST("/resume", s.handleResume)
	p.POST("/cancel", s.handleCancel)
}

// ServeHTTP lets the server be mounted or tested without listening.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
