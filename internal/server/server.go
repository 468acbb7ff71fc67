// Package server exposes the pipeline trigger API and the internal write
// surface used by a remote publisher.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/pipeline"
	"github.com/ppiankov/pepref/internal/store"
	"github.com/ppiankov/pepref/internal/worker"
)

// SecretHeader carries the shared pipeline secret
const SecretHeader = "X-Pipeline-Secret"

// Runner runs single peptides and batch entries
type Runner interface {
	Process(ctx context.Context, req pipeline.Request) (*model.RunOutcome, error)
	Ready(ctx context.Context) error
	worker.Processor
}

// Server is the HTTP surface
type Server struct {
	runner Runner
	store  store.Store
	secret string
	batch  model.BatchConfig
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the router. runner may be nil for a write-surface-only server.
func New(runner Runner, st store.Store, cfg *model.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		runner: runner,
		store:  st,
		secret: cfg.Server.Secret,
		batch:  cfg.Batch,
		logger: logger,
		engine: gin.New(),
	}
	if s.secret == "" {
		logger.Warn("server secret is empty; protected routes will reject every request")
	}

	s.engine.Use(gin.Recovery(), s.logRequests())
	s.engine.GET("/healthz", s.handleHealth)

	guard := requireSecret(s.secret)

	v1 := s.engine.Group("/v1", guard)
	v1.GET("/ready", s.handleReady)
	v1.POST("/process", s.handleProcess)
	v1.POST("/batch", s.handleBatch)

	internal := s.engine.Group("/internal/v1", guard)
	internal.POST("/migrate", s.handleMigrate)
	internal.POST("/audit", s.handleAppendAudit)
	internal.GET("/peptides/:id", s.handleSnapshot)
	internal.GET("/peptides/:id/published", s.handlePublished)
	internal.GET("/peptides/:id/audit", s.handleAuditLog)
	internal.PUT("/peptides/:id", s.handleUpsertPeptide)
	internal.PUT("/peptides/:id/evidence", s.handleReplaceEvidence)
	internal.PUT("/peptides/:id/sections", s.handleReplaceSections)
	internal.DELETE("/peptides/:id", s.handleDeletePeptide)

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func requireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(SecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid pipeline secret", "code": http.StatusUnauthorized})
			return
		}
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"message": err.Error(), "code": code})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady checks the language-model providers. It sits behind the
// secret because each check is a provider API call.
func (s *Server) handleReady(c *gin.Context) {
	if s.runner == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("pipeline not configured"))
		return
	}
	if err := s.runner.Ready(c.Request.Context()); err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleProcess(c *gin.Context) {
	if s.runner == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("pipeline not configured"))
		return
	}
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	out, _ := s.runner.Process(c.Request.Context(), req)
	c.JSON(outcomeStatus(out), out)
}

func outcomeStatus(out *model.RunOutcome) int {
	switch {
	case out.OK():
		return http.StatusOK
	case out.Stage == model.StageConfig:
		return http.StatusBadRequest
	case out.Stage == model.StageCompliance, out.Stage == model.StageSynthesize:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// BatchRequest triggers a batch from a list file or inline entries
type BatchRequest struct {
	ListPath         string             `json:"list_path,omitempty"`
	Entries          []model.BatchEntry `json:"entries,omitempty"`
	AllPriorities    bool               `json:"all_priorities"`
	IncludeCompleted bool               `json:"include_completed"`
}

func (s *Server) handleBatch(c *gin.Context) {
	if s.runner == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("pipeline not configured"))
		return
	}
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	entries, source, err := req.load()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	opts := worker.OptionsFromConfig(s.batch)
	opts.AllPriorities = req.AllPriorities
	opts.IncludeCompleted = req.IncludeCompleted
	report := worker.NewBatch(s.runner, opts, s.logger).Run(c.Request.Context(), source, entries)
	c.JSON(http.StatusOK, report)
}

func (r BatchRequest) load() ([]model.BatchEntry, string, error) {
	switch {
	case r.ListPath != "" && len(r.Entries) > 0:
		return nil, "", fmt.Errorf("%w: list_path and entries are exclusive", model.ErrConfig)
	case r.ListPath != "":
		entries, err := worker.LoadList(r.ListPath)
		return entries, r.ListPath, err
	case len(r.Entries) > 0:
		for i := range r.Entries {
			if r.Entries[i].Priority == 0 {
				r.Entries[i].Priority = 1
			}
			if err := r.Entries[i].Validate(); err != nil {
				return nil, "", err
			}
		}
		return r.Entries, "request", nil
	}
	return nil, "", fmt.Errorf("%w: list_path or entries is required", model.ErrConfig)
}
