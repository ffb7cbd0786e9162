package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"vision_workflow/internal/core"
	"vision_workflow/internal/logger"
	"vision_workflow/internal/nodes"
	"vision_workflow/internal/services"
	"vision_workflow/internal/storage"
	"vision_workflow/pkg"
)

// ServiceName is reported by the health endpoint
const ServiceName = "Vision Workflow Optimizer"

// Analyzer is the orchestration surface the HTTP layer needs
type Analyzer interface {
	Analyze(ctx context.Context, query, sessionID string) (*pkg.AnalysisResult, error)
	Traces(ctx context.Context, sessionID string) ([]*pkg.RunTrace, error)
	SessionStats(ctx context.Context, sessionID string) (storage.SessionStats, error)
}

// ToolRunner runs a named tool with JSON arguments
type ToolRunner interface {
	Names() []string
	Run(ctx context.Context, name, argumentsJSON string) (string, error)
}

type Config struct {
	Addr string
	Mode string // gin mode
}

// Server is the inbound HTTP API
type Server struct {
	cfg      Config
	analyzer Analyzer
	tools    ToolRunner
	engine   *gin.Engine
}

// New builds the router. tools may be nil.
func New(cfg Config, analyzer Analyzer, tools ToolRunner) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{cfg: cfg, analyzer: analyzer, tools: tools, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/", s.health)
	s.engine.POST("/analyze", s.analyze)
	s.engine.GET("/sessions/:id", s.sessionStats)
	s.engine.GET("/sessions/:id/traces", s.traces)
	s.engine.GET("/tools", s.listTools)
	s.engine.POST("/tools/:name", s.runTool)
	return s
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Component("http").Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "active", "service": ServiceName})
}

func (s *Server) analyze(c *gin.Context) {
	var req pkg.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = services.DefaultSessionID
	}

	result, err := s.analyzer.Analyze(c.Request.Context(), req.Query, req.SessionID)
	if err != nil {
		// the cause stays in the log; callers only see its kind
		logger.Component("http").Error().
			Err(err).
			Str("session_id", req.SessionID).
			Msg("Workflow execution failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"detail": "An error occurred during workflow execution: " + core.ErrorKind(err),
		})
		return
	}

	c.JSON(http.StatusOK, pkg.AnalyzeResponse{
		SessionID:    result.SessionID,
		StrategyJSON: result.StrategyJSON,
	})
}

func (s *Server) sessionStats(c *gin.Context) {
	stats, err := s.analyzer.SessionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "session not found"})
			return
		}
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) traces(c *gin.Context) {
	traces, err := s.analyzer.Traces(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "traces": traces})
}

func (s *Server) listTools(c *gin.Context) {
	names := []string{}
	if s.tools != nil {
		names = s.tools.Names()
	}
	c.JSON(http.StatusOK, gin.H{"tools": names})
}

func (s *Server) runTool(c *gin.Context) {
	if s.tools == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "tools are disabled"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}

	out, err := s.tools.Run(c.Request.Context(), c.Param("name"), string(body))
	if err != nil {
		if errors.Is(err, nodes.ErrUnknownTool) {
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		if errors.Is(err, services.ErrOutsideDatasetRoot) {
			c.JSON(http.StatusForbidden, gin.H{"detail": services.ErrOutsideDatasetRoot.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(out))
}

func (s *Server) internalError(c *gin.Context, err error) {
	logger.Component("http").Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error: " + core.ErrorKind(err)})
}

// requestLogger replaces gin's default logger with zerolog
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Component("http").Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
