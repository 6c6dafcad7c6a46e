package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/pipeline"
	"anamnesis-pipeline-go/internal/storage"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/worker"
)

// Dispatcher receives the jobs created by an import.
type Dispatcher interface {
	Submit(ctx context.Context, req pipeline.Request) error
}

// Importer copies manifest recordings into storage and queues a job for
// each one.
type Importer struct {
	DB       *gorm.DB
	Jobs     *jobs.Tracker
	Files    *storage.Disk
	Dispatch Dispatcher
	UserID   string
	Log      *logger.Logger

	newID func() string
}

// Imported is a row that produced a job.
type Imported struct {
	Row   int    `json:"row"`
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Skipped is a row that produced no job.
type Skipped struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Report is the outcome of an import.
type Report struct {
	Imported []Imported `json:"imported"`
	Skipped  []Skipped  `json:"skipped"`
}

// Import processes entries in order. Row-level problems are reported and
// never stop the batch; a cancelled ctx does.
func (im *Importer) Import(ctx context.Context, entries []Entry) (Report, error) {
	log := im.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("import")
	newID := im.newID
	if newID == nil {
		newID = uuid.NewString
	}

	var rep Report
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if e.Problem != "" {
			rep.Skipped = append(rep.Skipped, Skipped{Row: e.Row, Reason: e.Problem})
			continue
		}

		job, err := im.queue(ctx, e, newID())
		if err != nil {
			log.WithError(err).WithField("row", e.Row).Warn("manifest row skipped")
			rep.Skipped = append(rep.Skipped, Skipped{Row: e.Row, Reason: err.Error()})
			continue
		}

		item := Imported{Row: e.Row, JobID: job.ID}
		if im.Dispatch != nil {
			if err := im.Dispatch.Submit(ctx, worker.RequestFromJob(*job)); err != nil {
				item.Error = err.Error()
			}
		}
		rep.Imported = append(rep.Imported, item)
	}
	log.WithFields(logrus.Fields{
		"imported": len(rep.Imported),
		"skipped":  len(rep.Skipped),
	}).Info("manifest imported")
	return rep, nil
}

func (im *Importer) queue(ctx context.Context, e Entry, id string) (*store.Job, error) {
	if _, err := store.FindConsultation(im.DB.WithContext(ctx), e.ConsultationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("consultation %s not found", e.ConsultationID)
		}
		return nil, err
	}

	src, err := os.Open(e.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer src.Close()

	rel := fmt.Sprintf("tmp/uploads/%s/%s%s", e.Type, id, strings.ToLower(filepath.Ext(e.AudioPath)))
	size, err := im.Files.Save(rel, src)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"original_path": rel,
		"upload_size":   size,
		"manifest_row":  e.Row,
	}
	if e.Notes != "" {
		meta["notes"] = e.Notes
	}
	return im.Jobs.Create(ctx, e.Type, e.ConsultationID, im.UserID, meta)
}
