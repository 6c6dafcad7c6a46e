package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"anamnesis-pipeline-go/internal/aggregator"
	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
	"anamnesis-pipeline-go/internal/worker"
)

const (
	msgAccepted         = "Áudio recebido. O processamento será realizado na fila de background."
	msgRestarted        = "Processamento reiniciado."
	msgNoConsultation   = "Consulta não encontrada"
	msgNoJob            = "Processamento não encontrado"
	msgRetryUnavailable = "Áudio original indisponível para nova tentativa."
	msgJobActive        = "Processamento ainda em andamento."
)

type handlers struct {
	deps  Deps
	log   *logger.Logger
	newID func() string
}

func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-ID"))
}

func (h *handlers) upload(c *gin.Context) {
	ctx := c.Request.Context()
	consultation, err := store.FindConsultation(h.deps.DB.WithContext(ctx), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": msgNoConsultation})
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}

	jobType, err := types.ParseJobType(c.PostForm("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	header, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "audio file is required"})
		return
	}
	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "audio file is unreadable"})
		return
	}
	defer src.Close()

	rel := fmt.Sprintf("tmp/uploads/%s/%s%s", jobType, h.newID(), strings.ToLower(filepath.Ext(header.Filename)))
	size, err := h.deps.Files.Save(rel, src)
	if err != nil {
		h.internal(c, err)
		return
	}

	meta := map[string]any{
		"upload_size":   size,
		"original_path": rel,
	}
	notes := strings.TrimSpace(c.PostForm("notes"))
	if notes != "" {
		meta["notes"] = notes
	}
	job, err := h.deps.Jobs.Create(ctx, jobType, consultation.ID, userID(c), meta)
	if err != nil {
		h.internal(c, err)
		return
	}
	h.schedule(c, job)
	c.JSON(http.StatusAccepted, gin.H{"job": jobs.Serialize(job, nil), "message": msgAccepted})
}

func (h *handlers) status(c *gin.Context) {
	view, err := h.deps.Jobs.View(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": msgNoJob})
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": view})
}

func (h *handlers) queue(c *gin.Context) {
	pending, err := h.deps.Jobs.PendingQueue(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}
	out := make([]jobs.View, 0, len(pending))
	for i := range pending {
		out = append(out, jobs.Serialize(&pending[i], nil))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// stats summarizes jobs created within the window given by ?since (a Go
// duration, default 24h).
func (h *handlers) stats(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("invalid since %q", raw)})
			return
		}
		window = d
	}
	recent, err := h.deps.Jobs.Since(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": window.String(), "stats": aggregator.Aggregate(recent)})
}

func (h *handlers) retry(c *gin.Context) {
	job, err := h.deps.Jobs.Retry(c.Request.Context(), c.Param("id"), userID(c))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": msgNoJob})
		return
	case errors.Is(err, jobs.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"message": msgJobActive})
		return
	case errors.Is(err, jobs.ErrRetryUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msgRetryUnavailable})
		return
	case err != nil:
		h.internal(c, err)
		return
	}
	h.schedule(c, job)
	c.JSON(http.StatusAccepted, gin.H{"job": jobs.Serialize(job, nil), "message": msgRestarted})
}

// schedule hands job to the workers. A refused submission leaves the job
// queued in the store for the next recovery.
func (h *handlers) schedule(c *gin.Context, job *store.Job) {
	if h.deps.Scheduler == nil {
		return
	}
	err := h.deps.Scheduler.Submit(c.Request.Context(), worker.RequestFromJob(*job))
	if err != nil && !errors.Is(err, worker.ErrDuplicate) {
		h.log.WithError(err).WithField("job_id", job.ID).Warn("job not scheduled, left queued")
	}
}

func (h *handlers) internal(c *gin.Context, err error) {
	h.log.WithRequest(c.Request).WithField("error", err.Error()).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
}
