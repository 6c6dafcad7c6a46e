// Package pipeline drives one consultation job from stored upload to
// persisted anamnesis.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anamnesis-pipeline-go/internal/extractor"
	"anamnesis-pipeline-go/internal/history"
	"anamnesis-pipeline-go/internal/insights"
	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
)

// MissingConsultation is the job error shown when the consultation vanished
// before the run started.
const MissingConsultation = "Consulta não encontrada para processamento."

// ConsultationStatus is written to a consultation after a successful run.
const ConsultationStatus = "transcription"

// Segmenter turns a stored upload into transcribable segments.
type Segmenter interface {
	Process(ctx context.Context, inputRel string) (types.AudioResult, error)
}

// Transcriber joins the transcripts of segments in order.
type Transcriber interface {
	TranscribeMany(ctx context.Context, paths []string) (string, error)
}

// Extractor condenses long transcripts and extracts the structured note.
type Extractor interface {
	PrepareTranscript(ctx context.Context, transcript string) string
	Extract(ctx context.Context, mode extractor.Mode, in extractor.Input) (extractor.Result, error)
}

// Request identifies one run.
type Request struct {
	JobID          string
	AudioPath      string
	Type           types.JobType
	ConsultationID string
	UserID         string
	Notes          string
}

// Orchestrator runs the stages of a job in order and reports progress to
// the job tracker after each one.
type Orchestrator struct {
	db      *gorm.DB
	jobs    *jobs.Tracker
	audio   Segmenter
	speech  Transcriber
	extract Extractor
	now     func() time.Time
	log     *logger.Logger
}

// New returns an Orchestrator persisting through db and tracker.
func New(db *gorm.DB, tracker *jobs.Tracker, audio Segmenter, speech Transcriber, extract Extractor, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{
		db:      db,
		jobs:    tracker,
		audio:   audio,
		speech:  speech,
		extract: extract,
		now:     time.Now,
		log:     log.Component("pipeline"),
	}
}

// Run processes req.JobID to completion. A missing consultation fails the
// job at the validation step and returns nil. Any other failure marks the
// job failed and is returned, including a panic in any stage.
func (o *Orchestrator) Run(ctx context.Context, req Request) (err error) {
	log := o.log.WithJob(req.JobID, req.ConsultationID)
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			err = o.fail(ctx, req, log, fmt.Errorf("panic: %v", r))
		}
	}()

	c, err := store.FindConsultation(o.db.WithContext(ctx), req.ConsultationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("consultation not found, job rejected")
		_, err := o.jobs.Update(ctx, req.JobID, types.JobStatusFailed, jobs.Update{
			Step:     types.StepValidation,
			Progress: jobs.Progress(0),
			Meta:     map[string]any{"error": MissingConsultation},
		})
		return err
	}
	if err != nil {
		return o.fail(ctx, req, log, err)
	}

	version, err := o.process(ctx, req, c, log)
	if err != nil {
		return o.fail(ctx, req, log, err)
	}

	_, err = o.jobs.Update(ctx, req.JobID, types.JobStatusCompleted, jobs.Update{
		Step:     types.StepCompleted,
		Progress: jobs.Progress(types.ProgressCompleted),
		Meta: map[string]any{
			"consultation_id":   c.ID,
			"anamnesis_version": version,
		},
	})
	if err != nil {
		return o.fail(ctx, req, log, err)
	}
	log.WithFields(logrus.Fields{
		"anamnesis_version": version,
		"elapsed":           o.now().Sub(start).Round(time.Millisecond).String(),
	}).Info("job completed")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, req Request, log *logger.Logger, cause error) error {
	log.WithError(cause).Error("job failed")
	// the failure must be recorded even when ctx is what failed
	_, err := o.jobs.Update(context.WithoutCancel(ctx), req.JobID, types.JobStatusFailed, jobs.Update{
		Step: types.StepFailed,
		Meta: map[string]any{"error": cause.Error()},
	})
	if err != nil {
		log.WithError(err).Error("could not record job failure")
	}
	return cause
}

func (o *Orchestrator) advance(ctx context.Context, id, step string, progress int, meta map[string]any) error {
	_, err := o.jobs.Update(ctx, id, types.JobStatusProcessing, jobs.Update{
		Step:     step,
		Progress: jobs.Progress(progress),
		Meta:     meta,
	})
	return err
}

// process runs the audio, speech and extraction stages and persists the
// result. It returns the latest anamnesis version number.
func (o *Orchestrator) process(ctx context.Context, req Request, c *store.Consultation, log *logger.Logger) (int, error) {
	err := o.advance(ctx, req.JobID, types.StepAudioProcessing, types.ProgressAudioProcessing,
		map[string]any{"audio": map[string]any{"original": req.AudioPath}})
	if err != nil {
		return 0, err
	}

	audio, err := o.audio.Process(ctx, req.AudioPath)
	if err != nil {
		return 0, fmt.Errorf("process audio: %w", err)
	}
	log.WithField("segments", len(audio.Segments)).Info("audio segmented")

	err = o.advance(ctx, req.JobID, types.StepTranscription, types.ProgressTranscription,
		map[string]any{"audio": audioMeta(req.AudioPath, audio)})
	if err != nil {
		return 0, err
	}

	transcript, err := o.speech.TranscribeMany(ctx, audio.SegmentPaths())
	if err != nil {
		return 0, fmt.Errorf("transcribe audio: %w", err)
	}
	prepared := o.extract.PrepareTranscript(ctx, transcript)

	if err := o.advance(ctx, req.JobID, types.StepAnamnesis, types.ProgressAnamnesis, nil); err != nil {
		return 0, err
	}

	notes := strings.TrimSpace(req.Notes)
	mode := extractor.ModeFor(req.Type)
	existing := c.Anamnesis
	for attempt := 1; ; attempt++ {
		res, err := o.extract.Extract(ctx, mode, extractor.Input{
			Transcript:   withNotes(prepared, notes),
			ExistingNote: existing,
		})
		if err != nil {
			return 0, fmt.Errorf("extract anamnesis: %w", err)
		}
		log.WithFields(logrus.Fields{
			"mode":          mode.Name(),
			"attempt":       attempt,
			"raw_flags":     len(res.Flags),
			"raw_questions": len(res.Questions),
		}).Debug("extraction received")

		out := outcome{transcript: transcript, notes: notes, audio: audio, res: res}
		if mode == extractor.MergeExisting {
			base := existing
			out.mergedFrom = &base
		}
		version, current, err := o.persist(ctx, req, out, log)
		if errors.Is(err, errNoteChanged) && attempt < maxMergeAttempts {
			log.WithField("attempt", attempt).Info("anamnesis changed by another job, merging again")
			existing = current
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("persist consultation: %w", err)
		}
		return version, nil
	}
}

// errNoteChanged is returned by persist when the stored note is no longer
// the one the extraction merged into.
var errNoteChanged = errors.New("anamnesis changed during extraction")

// maxMergeAttempts bounds re-extraction when concurrent jobs keep changing
// the note.
const maxMergeAttempts = 3

// outcome is what one run contributes to its consultation.
type outcome struct {
	transcript string
	notes      string
	audio      types.AudioResult
	res        extractor.Result
	// mergedFrom is the note a merge extraction was based on, nil for
	// extractions that ignore the stored note.
	mergedFrom *string
}

// persist applies out to the consultation as it is stored now, under a row
// lock, so concurrent runs on the same consultation append to each other's
// results. It returns the latest version number, or errNoteChanged together
// with the current note.
func (o *Orchestrator) persist(ctx context.Context, req Request, out outcome, log *logger.Logger) (int, string, error) {
	var (
		version int
		current string
	)
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := store.LockConsultation(tx, req.ConsultationID)
		if err != nil {
			return err
		}
		if out.mergedFrom != nil && c.Anamnesis != *out.mergedFrom {
			current = c.Anamnesis
			return errNoteChanged
		}

		before := *c
		after := *c
		after.Transcription = withNotes(out.transcript, out.notes)
		if req.Type == types.JobTypeAdditional {
			after.Transcription = appendInteraction(c.Transcription, after.Transcription, o.now())
		}
		after.Anamnesis = o.buildNote(out.res.Anamnesis, c.Anamnesis, after.Transcription, out.notes)
		after.Summary = out.res.Summary
		after.Status = ConsultationStatus
		after.CurrentStep = ConsultationStatus
		after.UpdatedAt = o.now().UTC()
		after.Metadata = o.mergeMetadata(c.Metadata, out.res, out.audio, req.JobID, out.notes)
		files, err := appendAudioFile(c.AudioFiles, types.AudioFile{
			Type:      req.Type,
			Original:  req.AudioPath,
			Optimized: out.audio.Source.Path,
			Segments:  out.audio.Segments,
		})
		if err != nil {
			return err
		}
		after.AudioFiles = files

		if err := store.SaveConsultationResult(tx, &after); err != nil {
			return err
		}
		rec := history.NewRecorder(tx)
		if _, err := rec.RecordAudit(ctx, &before, &after, req.UserID, history.ActionJobUpdate); err != nil {
			return err
		}
		v, err := rec.RecordVersion(ctx, &after, req.UserID)
		if err != nil {
			return err
		}
		if v == nil {
			log.Debug("anamnesis unchanged, no new version")
		}
		version, err = rec.LatestVersionNumber(ctx, after.ID)
		return err
	})
	return version, current, err
}

// buildNote normalizes the extracted note, falling back to the existing note
// or the transcript when the model returned nothing, and appends the
// operator notes.
func (o *Orchestrator) buildNote(extracted, existing, transcript, notes string) string {
	note := extractor.NormalizeNoteMarkdown(extracted)
	if note == "" {
		fallback := existing
		if strings.TrimSpace(fallback) == "" {
			fallback = transcript
		}
		note = extractor.NormalizeNoteMarkdown(fallback)
	}
	if notes != "" && note != "" {
		note += "\n\n**Notas complementares do médico:**\n" + notes
	}
	return note
}

func (o *Orchestrator) mergeMetadata(prev datatypes.JSONMap, res extractor.Result, audio types.AudioResult, jobID, notes string) datatypes.JSONMap {
	meta := datatypes.JSONMap{}
	maps.Copy(meta, prev)

	keepLastGood(meta, "flags", insights.FilterFlags(insights.NormalizeFlags(res.Flags)))
	keepLastGood(meta, "missingQuestions", insights.NormalizeQuestions(res.Questions))

	segments, _ := meta["audioSegments"].([]any)
	merged := make([]any, 0, len(segments)+len(audio.Segments))
	merged = append(merged, segments...)
	for _, s := range audio.Segments {
		merged = append(merged, s)
	}
	meta["audioSegments"] = merged

	if notes != "" {
		applied, _ := meta["manualNotes"].([]any)
		meta["manualNotes"] = append(append([]any{}, applied...), types.ManualNote{
			Text:      notes,
			JobID:     jobID,
			AppliedAt: o.now().Format(time.RFC3339),
		})
	}
	return meta
}

// keepLastGood stores next under key unless it is empty, in which case the
// stored value stays as it was.
func keepLastGood[T any](meta map[string]any, key string, next []T) {
	if len(next) == 0 {
		if _, ok := meta[key]; !ok {
			meta[key] = []T{}
		}
		return
	}
	meta[key] = next
}

func audioMeta(original string, a types.AudioResult) map[string]any {
	return map[string]any{
		"original": original,
		"source":   a.Source,
		"segments": a.Segments,
	}
}

func appendAudioFile(current datatypes.JSON, entry types.AudioFile) (datatypes.JSON, error) {
	var list []json.RawMessage
	if len(current) > 0 {
		if err := json.Unmarshal(current, &list); err != nil {
			return nil, fmt.Errorf("decode audio files: %w", err)
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode audio file: %w", err)
	}
	out, err := json.Marshal(append(list, raw))
	if err != nil {
		return nil, fmt.Errorf("encode audio files: %w", err)
	}
	return datatypes.JSON(out), nil
}

func withNotes(transcript, notes string) string {
	transcript = strings.TrimSpace(transcript)
	if notes == "" {
		return transcript
	}
	if transcript == "" {
		return "## Notas do médico\n" + notes
	}
	return transcript + "\n\n## Notas do médico\n" + notes
}

// appendInteraction adds segment to the existing transcript under a dated
// divider. An empty transcript is simply replaced.
func appendInteraction(current, segment string, at time.Time) string {
	current = strings.TrimSpace(current)
	segment = strings.TrimSpace(segment)
	if current == "" {
		return segment
	}
	header := "### Interação adicional registrada em " + at.Format("02/01/2006 15:04")
	return current + "\n\n---\n\n" + header + "\n\n" + segment
}
