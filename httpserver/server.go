package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vbase/rce/config"
	"github.com/vbase/rce/sandbox"
)

// Server is the HTTP adapter over the execution core.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	executor *sandbox.Executor
	http     *http.Server
}

// New creates the HTTP server and registers the Piston v2 routes.
func New(cfg *config.Config, logger *zap.Logger, executor *sandbox.Executor) *Server {
	if cfg.Logging.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.Health)

	v2 := router.Group("/api/v2")
	{
		v2.GET("/runtimes", s.ListRuntimes)
		v2.GET("/runtimes/:language", s.GetRuntime)
		v2.POST("/execute", s.Execute)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: router,
	}

	return s
}

// Health reports liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListRuntimes returns the runtimes whose images are built.
func (s *Server) ListRuntimes(c *gin.Context) {
	runtimes, err := s.executor.ListRuntimes(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list runtimes", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"message": "container engine unavailable"})
		return
	}
	c.JSON(http.StatusOK, runtimes)
}

// GetRuntime returns details for one registered runtime.
func (s *Server) GetRuntime(c *gin.Context) {
	language := c.Param("language")
	info, ok := s.executor.GetRuntime(language)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": fmt.Sprintf("Language not found: %s", language)})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Execute runs a submitted program in an isolated container.
func (s *Server) Execute(c *gin.Context) {
	var req sandbox.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	resp, err := s.executor.Execute(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrRuntimeNotFound), errors.Is(err, sandbox.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		case errors.Is(err, sandbox.ErrEngineUnavailable):
			s.logger.Error("engine unavailable", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"message": "container engine unavailable"})
		default:
			s.logger.Error("execution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
