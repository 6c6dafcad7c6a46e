// Package history records append-only anamnesis versions and audit entries
// for consultations.
package history

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anamnesis-pipeline-go/internal/store"
)

// ActionJobUpdate labels audit entries written by pipeline runs.
const ActionJobUpdate = "job_update"

// Version is a read-only anamnesis snapshot.
type Version struct {
	consultationID string
	number         int
	anamnesis      string
	transcription  string
	summary        string
	metadata       json.RawMessage
	createdBy      string
	createdAt      time.Time
}

func (v Version) ConsultationID() string    { return v.consultationID }
func (v Version) Number() int               { return v.number }
func (v Version) Anamnesis() string         { return v.anamnesis }
func (v Version) Transcription() string     { return v.transcription }
func (v Version) Summary() string           { return v.summary }
func (v Version) Metadata() json.RawMessage { return append(json.RawMessage(nil), v.metadata...) }
func (v Version) CreatedBy() string         { return v.createdBy }
func (v Version) CreatedAt() time.Time      { return v.createdAt }

func versionFromRow(r store.AnamnesisVersion) Version {
	return Version{
		consultationID: r.ConsultationID,
		number:         r.Version,
		anamnesis:      r.Anamnesis,
		transcription:  r.Transcription,
		summary:        r.Summary,
		metadata:       json.RawMessage(r.Metadata),
		createdBy:      r.CreatedBy,
		createdAt:      r.CreatedAt,
	}
}

// FieldChange is one before/after pair.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// AuditEntry is a read-only audit record.
type AuditEntry struct {
	consultationID string
	userID         string
	action         string
	changes        []FieldChange
	createdAt      time.Time
}

func (a AuditEntry) ConsultationID() string { return a.consultationID }
func (a AuditEntry) UserID() string         { return a.userID }
func (a AuditEntry) Action() string         { return a.action }
func (a AuditEntry) CreatedAt() time.Time   { return a.createdAt }

// Changes returns a copy of the changed fields.
func (a AuditEntry) Changes() []FieldChange {
	return append([]FieldChange(nil), a.changes...)
}

// Recorder writes history rows. It never updates or deletes them.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder returns a Recorder on db, which may be a transaction.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Diff lists the audited fields that differ between before and after.
func Diff(before, after *store.Consultation) []FieldChange {
	fields := []struct {
		name string
		b, a any
	}{
		{"transcription", before.Transcription, after.Transcription},
		{"anamnesis", before.Anamnesis, after.Anamnesis},
		{"summary", before.Summary, after.Summary},
		{"status", before.Status, after.Status},
		{"current_step", before.CurrentStep, after.CurrentStep},
		{"metadata", map[string]any(before.Metadata), map[string]any(after.Metadata)},
		{"audio_files", rawJSON(before.AudioFiles), rawJSON(after.AudioFiles)},
	}

	var changes []FieldChange
	for _, f := range fields {
		b, a := canonical(f.b), canonical(f.a)
		if bytes.Equal(b, a) {
			continue
		}
		changes = append(changes, FieldChange{Field: f.name, Before: decoded(b), After: decoded(a)})
	}
	return changes
}

// RecordAudit stores the changed fields between before and after. Nothing
// is written when no field changed.
func (r *Recorder) RecordAudit(ctx context.Context, before, after *store.Consultation, userID, action string) (*AuditEntry, error) {
	changes := Diff(before, after)
	if len(changes) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("history: encode audit: %w", err)
	}
	row := store.AuditLog{
		ConsultationID: after.ID,
		UserID:         userID,
		Action:         action,
		Changes:        datatypes.JSON(payload),
		CreatedAt:      r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("history: create audit: %w", err)
	}
	return &AuditEntry{
		consultationID: row.ConsultationID,
		userID:         row.UserID,
		action:         row.Action,
		changes:        changes,
		createdAt:      row.CreatedAt,
	}, nil
}

// RecordVersion snapshots c's note when its trimmed text is non-empty and
// differs from the latest stored version. It returns nil when skipped.
func (r *Recorder) RecordVersion(ctx context.Context, c *store.Consultation, userID string) (*Version, error) {
	text := strings.TrimSpace(c.Anamnesis)
	if text == "" {
		return nil, nil
	}

	db := r.db.WithContext(ctx)
	var latest store.AnamnesisVersion
	err := db.Where("consultation_id = ?", c.ID).Order("version DESC").First(&latest).Error
	switch {
	case err == nil:
		if strings.TrimSpace(latest.Anamnesis) == text {
			return nil, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		latest = store.AnamnesisVersion{}
	default:
		return nil, fmt.Errorf("history: latest version: %w", err)
	}

	meta, err := json.Marshal(map[string]any(c.Metadata))
	if err != nil {
		return nil, fmt.Errorf("history: encode metadata: %w", err)
	}
	row := store.AnamnesisVersion{
		ConsultationID: c.ID,
		Version:        latest.Version + 1,
		Anamnesis:      c.Anamnesis,
		Transcription:  c.Transcription,
		Summary:        c.Summary,
		Metadata:       datatypes.JSON(meta),
		CreatedBy:      userID,
		CreatedAt:      r.now().UTC(),
	}
	if err := db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("history: create version: %w", err)
	}
	v := versionFromRow(row)
	return &v, nil
}

// LatestVersionNumber returns the highest version for a consultation, or 0.
func (r *Recorder) LatestVersionNumber(ctx context.Context, consultationID string) (int, error) {
	var n sql.NullInt64
	err := r.db.WithContext(ctx).Model(&store.AnamnesisVersion{}).
		Where("consultation_id = ?", consultationID).
		Select("MAX(version)").Row().Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: max version: %w", err)
	}
	return int(n.Int64), nil
}

// Versions lists a consultation's versions, oldest first.
func (r *Recorder) Versions(ctx context.Context, consultationID string) ([]Version, error) {
	var rows []store.AnamnesisVersion
	if err := r.db.WithContext(ctx).Where("consultation_id = ?", consultationID).Order("version ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: list versions: %w", err)
	}
	out := make([]Version, 0, len(rows))
	for _, row := range rows {
		out = append(out, versionFromRow(row))
	}
	return out, nil
}

// AuditTrail lists a consultation's audit entries, oldest first.
func (r *Recorder) AuditTrail(ctx context.Context, consultationID string) ([]AuditEntry, error) {
	var rows []store.AuditLog
	if err := r.db.WithContext(ctx).Where("consultation_id = ?", consultationID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: list audit: %w", err)
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		var changes []FieldChange
		if len(row.Changes) > 0 {
			if err := json.Unmarshal(row.Changes, &changes); err != nil {
				return nil, fmt.Errorf("history: decode audit %d: %w", row.ID, err)
			}
		}
		out = append(out, AuditEntry{
			consultationID: row.ConsultationID,
			userID:         row.UserID,
			action:         row.Action,
			changes:        changes,
			createdAt:      row.CreatedAt,
		})
	}
	return out, nil
}

func rawJSON(b datatypes.JSON) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// canonical re-encodes v so equal values compare byte-for-byte regardless of
// key order or Go type.
func canonical(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprint(v))
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return b
	}
	// empty maps and null compare equal
	if m, ok := generic.(map[string]any); ok && len(m) == 0 {
		return []byte("null")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return b
	}
	return out
}

func decoded(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
