package store

import (
	"time"

	"gorm.io/datatypes"

	"anamnesis-pipeline-go/internal/types"
)

// Job tracks one recording through the pipeline.
type Job struct {
	ID             string            `gorm:"primaryKey;size:36"`
	ConsultationID *string           `gorm:"size:36;index"`
	UserID         string            `gorm:"size:64"`
	Type           types.JobType     `gorm:"size:16;not null"`
	Status         types.JobStatus   `gorm:"size:16;not null;index:idx_jobs_status_created,priority:1"`
	CurrentStep    string            `gorm:"size:32"`
	Progress       int               `gorm:"not null;default:0"`
	QueuePosition  int               `gorm:"not null;default:0"`
	Meta           datatypes.JSONMap `gorm:"type:json"`
	CreatedAt      time.Time         `gorm:"index:idx_jobs_status_created,priority:2"`
	UpdatedAt      time.Time
}

// TableName keeps the table name stable across model renames.
func (Job) TableName() string { return "consultation_jobs" }

// MetaString returns meta[key] when it is a non-empty string.
func (j *Job) MetaString(key string) string {
	if j == nil || j.Meta == nil {
		return ""
	}
	s, _ := j.Meta[key].(string)
	return s
}

// Consultation is the record the pipeline writes its results into.
type Consultation struct {
	ID            string            `gorm:"primaryKey;size:36"`
	DoctorID      string            `gorm:"size:36;index"`
	PatientID     string            `gorm:"size:36;index"`
	Summary       string            `gorm:"type:text"`
	Transcription string            `gorm:"type:longtext"`
	Anamnesis     string            `gorm:"type:longtext"`
	Status        string            `gorm:"size:32"`
	CurrentStep   string            `gorm:"size:32"`
	Metadata      datatypes.JSONMap `gorm:"type:json"`
	AudioFiles    datatypes.JSON    `gorm:"type:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AnamnesisVersion is an append-only snapshot of a consultation's note.
type AnamnesisVersion struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	ConsultationID string         `gorm:"size:36;not null;uniqueIndex:idx_version_consultation,priority:1"`
	Version        int            `gorm:"not null;uniqueIndex:idx_version_consultation,priority:2"`
	Anamnesis      string         `gorm:"type:longtext"`
	Transcription  string         `gorm:"type:longtext"`
	Summary        string         `gorm:"type:text"`
	Metadata       datatypes.JSON `gorm:"type:json"`
	CreatedBy      string         `gorm:"size:64"`
	CreatedAt      time.Time
}

// AuditLog is an append-only record of changed consultation fields.
type AuditLog struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	ConsultationID string         `gorm:"size:36;not null;index"`
	UserID         string         `gorm:"size:64"`
	Action         string         `gorm:"size:32;not null"`
	Changes        datatypes.JSON `gorm:"type:json"`
	CreatedAt      time.Time
}
