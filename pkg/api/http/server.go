package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/labexec/internal/application/workers"
	"github.com/aescanero/labexec/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orchestrator is the part of the execution manager the gateway calls
type Orchestrator interface {
	CreateExecution(ctx context.Context, req domain.CreateRequest) (*domain.Execution, error)
	FindExecutionByID(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutionsForExperiment(ctx context.Context, experimentID string) ([]*domain.Execution, error)
	ListExecutionsForOwner(ctx context.Context, ownerID string) ([]*domain.Execution, error)
	CancelExecution(ctx context.Context, id string) (*domain.Execution, error)
	AbortExecution(ctx context.Context, id string) (*domain.Execution, error)
	UsageSnapshot(ctx context.Context) ([]domain.UsageSnapshot, error)
	ExecutionUsage(ctx context.Context, id string) (*domain.UsageSnapshot, error)
	DeleteResults(ctx context.Context, executionIDs []string) error
}

// HealthReporter reports background pool health
type HealthReporter interface {
	GetStatus() *workers.HealthStatus
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator Orchestrator
	health       HealthReporter
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator Orchestrator
	// Health is optional
	Health HealthReporter
	Logger *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		health:       cfg.Health,
		logger:       cfg.Logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Execution endpoints
		v1.POST("/executions", s.handleCreateExecution)
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.POST("/executions/:id/cancel", s.handleCancelExecution)
		v1.POST("/executions/:id/abort", s.handleAbortExecution)
		v1.GET("/executions/:id/usage", s.handleExecutionUsage)

		// Listing endpoints
		v1.GET("/experiments/:id/executions", s.handleListForExperiment)
		v1.GET("/owners/:id/executions", s.handleListForOwner)

		// Cluster usage and results administration
		v1.GET("/usage", s.handleUsage)
		v1.DELETE("/results", s.handleDeleteResults)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetupWebSocket adds WebSocket handler to the server
func (s *Server) SetupWebSocket(handler interface{}) {
	if wsHandler, ok := handler.(interface {
		HandleExecutionStream(*gin.Context)
	}); ok {
		s.router.GET("/api/v1/executions/:id/ws", wsHandler.HandleExecutionStream)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
