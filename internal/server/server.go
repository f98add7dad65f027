package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/delivery"
	"filevault/internal/events"
	"filevault/internal/files"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/scanner"
	"filevault/internal/storage"
)

// Deps are the services the HTTP surface calls into.
type Deps struct {
	Files    *files.Service
	Delivery *delivery.Service
	Provider provider.Provider
	Repo     storage.Repository
	Scanner  scanner.Scanner
	Events   events.Subscriber
}

type Server struct {
	cfg       *models.Config
	router    *gin.Engine
	http      *http.Server
	deps      Deps
	log       *zap.Logger
	maxUpload int64
}

func NewServer(cfg *models.Config, deps Deps, log *zap.Logger) *Server {
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		cfg:       cfg,
		router:    r,
		deps:      deps,
		log:       log.With(zap.String("component", "server")),
		maxUpload: maxUpload(cfg.Validation),
	}
	r.MaxMultipartMemory = 32 << 20

	r.POST("/files", s.handleUpload)
	r.GET("/files/:id", s.handleGetFile)
	r.DELETE("/files/:id", s.handleDeleteFile)
	r.GET("/files/:id/download-url", s.handleDownloadURL)
	r.GET("/files/:id/versions", s.handleListVersions)
	r.POST("/files/:id/versions", s.handleCreateVersion)
	r.POST("/files/:id/versions/:number/restore", s.handleRestoreVersion)
	r.DELETE("/files/:id/versions/:number", s.handleDeleteVersion)
	r.POST("/files/:id/processing", s.handleEnqueue)
	r.GET("/files/:id/jobs", s.handleListJobs)
	r.POST("/files/:id/jobs/cancel", s.handleCancelJobs)
	r.GET("/files/:id/events", s.handleEvents)
	r.GET("/entities/:entityId/files", s.handleEntityFiles)

	r.GET("/jobs/:id", s.handleGetJob)
	r.POST("/jobs/:id/retry", s.handleRetryJob)
	r.GET("/stats/jobs", s.handleJobStats)

	if local, ok := provider.AsLocal(deps.Provider); ok {
		r.GET(provider.BlobRoute+"/*key", s.handleBlobGet(local))
		r.PUT(provider.BlobRoute+"/*key", s.handleBlobPut(local))
	}
	r.GET(delivery.ContentRoute+"/:token", s.handleContent)

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func maxUpload(v models.ValidationConfig) int64 {
	limit := v.MaxDefaultBytes
	for _, n := range []int64{v.MaxImageBytes, v.MaxVideoBytes, v.MaxDocumentBytes} {
		if n > limit {
			limit = n
		}
	}
	return limit
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.cfg.Server.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.With(zap.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

// writeError maps the error taxonomy onto HTTP. Storage and internal
// failures never leak backend details to the caller.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidationFailed, apperr.KindSecurityThreat:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": string(kind), "reasons": apperr.ReasonsOf(err)})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": string(kind), "reasons": apperr.ReasonsOf(err)})
	case apperr.KindInvalidState, apperr.KindJobExhausted:
		c.JSON(http.StatusConflict, gin.H{"error": string(kind), "reasons": apperr.ReasonsOf(err)})
	case apperr.KindStorageUnavailable:
		s.log.Error("storage unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage temporarily unavailable", "retryable": true})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type health struct {
	Status   string `json:"status"`
	Storage  bool   `json:"storage"`
	Database bool   `json:"database"`
	Scanner  string `json:"scanner"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h := health{
		Storage:  s.deps.Provider.HealthCheck(ctx),
		Database: s.deps.Repo.Ping(ctx) == nil,
		Scanner:  "disabled",
	}
	if s.cfg.Scanner.Enabled {
		h.Scanner = "degraded"
		if s.deps.Scanner.Available(ctx) {
			h.Scanner = "ok"
		}
	}
	code := http.StatusOK
	h.Status = "ok"
	if !h.Storage || !h.Database {
		code = http.StatusServiceUnavailable
		h.Status = "unavailable"
	}
	c.JSON(code, h)
}
