package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned when a job status change skips or
// reverses the queued -> processing -> completed|failed edges.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStatus is the lifecycle state of a consultation job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Transition validates a move from s to next and returns next.
// Repeating a non-terminal status is allowed so progress can advance
// within the same state.
func (s JobStatus) Transition(next JobStatus) (JobStatus, error) {
	if !s.canTransitionTo(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

func (s JobStatus) canTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusQueued || next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// JobType selects between a first recording and a follow-up one.
type JobType string

const (
	JobTypeMain       JobType = "main"
	JobTypeAdditional JobType = "additional"
)

// ParseJobType maps user input to a JobType; empty means main.
func ParseJobType(raw string) (JobType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(JobTypeMain):
		return JobTypeMain, nil
	case string(JobTypeAdditional):
		return JobTypeAdditional, nil
	default:
		return "", fmt.Errorf("unknown job type %q", raw)
	}
}

// Pipeline step labels stored in Job.CurrentStep.
const (
	StepUpload          = "upload"
	StepValidation      = "validation"
	StepAudioProcessing = "audio_processing"
	StepTranscription   = "transcription"
	StepAnamnesis       = "anamnesis"
	StepCompleted       = "completed"
	StepFailed          = "failed"
)

// Progress checkpoints reported after each stage.
const (
	ProgressUpload          = 5
	ProgressAudioProcessing = 15
	ProgressTranscription   = 40
	ProgressAnamnesis       = 65
	ProgressCompleted       = 100
)

// Segment is one audio file on disk, addressed relative to the storage root.
type Segment struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
}

// AudioResult is what the segmenter produced for one upload.
type AudioResult struct {
	Source   Segment   `json:"source"`
	Segments []Segment `json:"segments"`
}

// SegmentPaths returns the paths to transcribe, falling back to the source
// when no segments were produced.
func (a AudioResult) SegmentPaths() []string {
	paths := make([]string, 0, len(a.Segments))
	for _, s := range a.Segments {
		if s.Path != "" {
			paths = append(paths, s.Path)
		}
	}
	if len(paths) == 0 && a.Source.Path != "" {
		return []string{a.Source.Path}
	}
	return paths
}

// AudioFile is the entry appended to a consultation's audio_files list.
type AudioFile struct {
	Type      JobType   `json:"type"`
	Original  string    `json:"original"`
	Optimized string    `json:"optimized,omitempty"`
	Segments  []Segment `json:"segments"`
}

// ManualNote records operator notes applied by a job.
type ManualNote struct {
	Text      string `json:"text"`
	JobID     string `json:"jobId"`
	AppliedAt string `json:"appliedAt"`
}
