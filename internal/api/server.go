// Package api exposes recording upload and job status over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/pipeline"
	"anamnesis-pipeline-go/internal/storage"
)

// Scheduler hands a created job to the workers.
type Scheduler interface {
	Submit(ctx context.Context, req pipeline.Request) error
}

// Deps holds what the handlers need.
type Deps struct {
	DB        *gorm.DB
	Jobs      *jobs.Tracker
	Files     *storage.Disk
	Scheduler Scheduler
	Log       *logger.Logger
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Deps
	Port int
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil || opts.Jobs == nil || opts.Files == nil {
		return fmt.Errorf("api: db, jobs and files are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}

	gin.SetMode(gin.ReleaseMode)
	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(opts.Deps),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	opts.Log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	h := &handlers{deps: d, log: d.Log.Component("api"), newID: uuid.NewString}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLog())

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.POST("/consultations/:id/recordings", h.upload)
	router.GET("/jobs/queue", h.queue)
	router.GET("/jobs/stats", h.stats)
	router.GET("/jobs/:id", h.status)
	router.POST("/jobs/:id/retry", h.retry)
	return router
}

func (h *handlers) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		entry := h.log.WithRequest(c.Request)
		c.Next()
		entry.WithField("status", c.Writer.Status()).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Info("request handled")
	}
}
