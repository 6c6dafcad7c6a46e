package jobs

import (
	"context"
	"errors"
	"time"

	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
)

// View is the polling representation of a job.
type View struct {
	ID             string           `json:"id"`
	ConsultationID *string          `json:"consultationId"`
	Type           types.JobType    `json:"type"`
	Status         types.JobStatus  `json:"status"`
	Step           string           `json:"step"`
	Progress       int              `json:"progress"`
	QueuePosition  int              `json:"queuePosition"`
	Meta           map[string]any   `json:"meta"`
	UpdatedAt      string           `json:"updatedAt"`
	CreatedAt      string           `json:"createdAt"`
	Consultation   *ConsultationRef `json:"consultation,omitempty"`
}

// ConsultationRef is the slice of the owning consultation shown to pollers.
type ConsultationRef struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CurrentStep string `json:"currentStep"`
}

// Serialize renders a job. c may be nil.
func Serialize(j *store.Job, c *store.Consultation) View {
	meta := map[string]any{}
	for k, v := range j.Meta {
		meta[k] = v
	}
	v := View{
		ID:             j.ID,
		ConsultationID: j.ConsultationID,
		Type:           j.Type,
		Status:         j.Status,
		Step:           j.CurrentStep,
		Progress:       j.Progress,
		QueuePosition:  j.QueuePosition,
		Meta:           meta,
		UpdatedAt:      j.UpdatedAt.UTC().Format(time.RFC3339),
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c != nil {
		v.Consultation = &ConsultationRef{ID: c.ID, Status: c.Status, CurrentStep: c.CurrentStep}
	}
	return v
}

// View loads a job with its consultation reference.
func (t *Tracker) View(ctx context.Context, id string) (View, error) {
	j, err := t.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	var c *store.Consultation
	if j.ConsultationID != nil {
		c, err = store.FindConsultation(t.db.WithContext(ctx), *j.ConsultationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return View{}, err
		}
	}
	return Serialize(j, c), nil
}
