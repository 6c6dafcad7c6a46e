// Package jobs owns the consultation job lifecycle: status, step, progress
// and queue position.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
)

var (
	// ErrJobActive is returned when retrying a job that has not finished.
	ErrJobActive = errors.New("job is still queued or processing")
	// ErrRetryUnavailable is returned when the consultation or the original
	// upload of a job is gone.
	ErrRetryUnavailable = errors.New("retry unavailable: consultation or original upload missing")
)

// FileChecker reports whether a stored upload still exists.
type FileChecker interface {
	Exists(rel string) bool
}

// Tracker creates and advances jobs.
type Tracker struct {
	db    *gorm.DB
	files FileChecker
	now   func() time.Time
	newID func() string
	log   *logger.Logger
}

// NewTracker returns a Tracker backed by db. files is consulted by Retry.
func NewTracker(db *gorm.DB, files FileChecker, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Discard()
	}
	return &Tracker{
		db:    db,
		files: files,
		now:   time.Now,
		newID: uuid.NewString,
		log:   log.Component("jobs"),
	}
}

// Update is an optional set of changes applied with a status.
type Update struct {
	Step     string
	Progress *int
	Meta     map[string]any
}

// Progress is a helper for Update.Progress.
func Progress(p int) *int { return &p }

// Create persists a queued job and recomputes queue positions.
func (t *Tracker) Create(ctx context.Context, jobType types.JobType, consultationID, userID string, meta map[string]any) (*store.Job, error) {
	now := t.now().UTC()
	job := &store.Job{
		ID:          t.newID(),
		UserID:      userID,
		Type:        jobType,
		Status:      types.JobStatusQueued,
		CurrentStep: types.StepUpload,
		Progress:    types.ProgressUpload,
		Meta:        datatypes.JSONMap{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if consultationID != "" {
		job.ConsultationID = &consultationID
	}
	for k, v := range meta {
		job.Meta[k] = v
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return resyncQueue(tx)
	})
	if err != nil {
		return nil, err
	}

	created, err := store.FindJob(t.db.WithContext(ctx), job.ID)
	if err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"job_id":         created.ID,
		"type":           created.Type,
		"queue_position": created.QueuePosition,
	}).Info("job queued")
	return created, nil
}

// Update moves a job to status and applies u. Progress is clamped to
// [0,100], meta is shallow-merged and the queue position drops to 0 once the
// job leaves the queue.
func (t *Tracker) Update(ctx context.Context, id string, status types.JobStatus, u Update) (*store.Job, error) {
	var job *store.Job
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := store.FindJob(tx, id)
		if err != nil {
			return err
		}
		wasQueued := j.Status == types.JobStatusQueued

		next, err := j.Status.Transition(status)
		if err != nil {
			return fmt.Errorf("job %s: %w", id, err)
		}
		j.Status = next
		if u.Step != "" {
			j.CurrentStep = u.Step
		}
		if u.Progress != nil {
			j.Progress = clamp(*u.Progress)
		}
		if len(u.Meta) > 0 {
			if j.Meta == nil {
				j.Meta = datatypes.JSONMap{}
			}
			for k, v := range u.Meta {
				j.Meta[k] = v
			}
		}
		if next != types.JobStatusQueued {
			j.QueuePosition = 0
		}
		j.UpdatedAt = t.now().UTC()

		if err := tx.Model(j).
			Select("status", "current_step", "progress", "queue_position", "meta", "updated_at").
			Updates(j).Error; err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		if wasQueued {
			if err := resyncQueue(tx); err != nil {
				return err
			}
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get loads a job.
func (t *Tracker) Get(ctx context.Context, id string) (*store.Job, error) {
	return store.FindJob(t.db.WithContext(ctx), id)
}

// PendingQueue lists queued jobs in creation order.
func (t *Tracker) PendingQueue(ctx context.Context) ([]store.Job, error) {
	var jobs []store.Job
	err := t.db.WithContext(ctx).
		Where("status = ?", types.JobStatusQueued).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	return jobs, nil
}

// Since lists jobs created at or after since, oldest first.
func (t *Tracker) Since(ctx context.Context, since time.Time) ([]store.Job, error) {
	var jobs []store.Job
	err := t.db.WithContext(ctx).
		Where("created_at >= ?", since.UTC()).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs since %s: %w", since.Format(time.RFC3339), err)
	}
	return jobs, nil
}

// ResyncQueue recomputes queue positions for every queued job.
func (t *Tracker) ResyncQueue(ctx context.Context) error {
	return t.db.WithContext(ctx).Transaction(resyncQueue)
}

// resyncQueue sets each queued job's position to the number of queued jobs
// created at or before it.
func resyncQueue(tx *gorm.DB) error {
	var queued []store.Job
	err := tx.Select("id", "created_at", "queue_position").
		Where("status = ?", types.JobStatusQueued).
		Order("created_at ASC, id ASC").
		Find(&queued).Error
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	for i := 0; i < len(queued); {
		last := i
		for last+1 < len(queued) && queued[last+1].CreatedAt.Equal(queued[i].CreatedAt) {
			last++
		}
		pos := last + 1
		for k := i; k <= last; k++ {
			if queued[k].QueuePosition == pos {
				continue
			}
			err := tx.Model(&store.Job{}).
				Where("id = ? AND status = ?", queued[k].ID, types.JobStatusQueued).
				UpdateColumn("queue_position", pos).Error
			if err != nil {
				return fmt.Errorf("update queue position %s: %w", queued[k].ID, err)
			}
		}
		i = last + 1
	}
	return nil
}

// Retry creates a new queued job for the same consultation and upload as a
// finished job. The original job is left untouched.
func (t *Tracker) Retry(ctx context.Context, id, userID string) (*store.Job, error) {
	prev, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Terminal() {
		return nil, ErrJobActive
	}
	if prev.ConsultationID == nil {
		return nil, ErrRetryUnavailable
	}
	if _, err := store.FindConsultation(t.db.WithContext(ctx), *prev.ConsultationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRetryUnavailable
		}
		return nil, err
	}
	original := prev.MetaString("original_path")
	if original == "" || t.files == nil || !t.files.Exists(original) {
		return nil, ErrRetryUnavailable
	}

	meta := map[string]any{
		"original_path": original,
		"retry_of":      prev.ID,
	}
	if notes := prev.MetaString("notes"); notes != "" {
		meta["notes"] = notes
	}
	if size, ok := prev.Meta["upload_size"]; ok {
		meta["upload_size"] = size
	}
	if userID == "" {
		userID = prev.UserID
	}
	job, err := t.Create(ctx, prev.Type, *prev.ConsultationID, userID, meta)
	if err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{"job_id": job.ID, "retry_of": prev.ID}).Info("job retried")
	return job, nil
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
