package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/store/storetest"
)

func TestRecordVersionSkipsUnchangedText(t *testing.T) {
	db := storetest.Open(t)
	r := NewRecorder(db)
	ctx := context.Background()
	c := &store.Consultation{ID: "c-1", Anamnesis: "## Queixa principal\nDor lombar", Metadata: datatypes.JSONMap{"flags": []any{}}}

	n, err := r.LatestVersionNumber(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	v, err := r.RecordVersion(ctx, c, "doc")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Number())
	assert.Equal(t, "doc", v.CreatedBy())
	assert.JSONEq(t, `{"flags":[]}`, string(v.Metadata()))

	// identical after trimming
	c.Anamnesis = "  ## Queixa principal\nDor lombar \n"
	v, err = r.RecordVersion(ctx, c, "doc")
	require.NoError(t, err)
	assert.Nil(t, v)

	c.Anamnesis = "## Queixa principal\nDor lombar irradiada"
	v, err = r.RecordVersion(ctx, c, "doc")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Number())

	n, err = r.LatestVersionNumber(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	versions, err := r.Versions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "## Queixa principal\nDor lombar", versions[0].Anamnesis())
}

func TestRecordVersionSkipsEmptyNote(t *testing.T) {
	r := NewRecorder(storetest.Open(t))
	v, err := r.RecordVersion(context.Background(), &store.Consultation{ID: "c-1", Anamnesis: " \n "}, "doc")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDiffOnlyChangedFields(t *testing.T) {
	before := &store.Consultation{
		ID:            "c-1",
		Transcription: "A",
		Status:        "draft",
		Metadata:      datatypes.JSONMap{"flags": []any{map[string]any{"id": "flag_1", "title": "x"}}},
	}
	after := *before
	after.Transcription = "A\n\nB"
	after.Metadata = datatypes.JSONMap{"flags": []any{map[string]any{"title": "x", "id": "flag_1"}}}
	after.AudioFiles = datatypes.JSON(`[{"type":"additional"}]`)

	changes := Diff(before, &after)
	require.Len(t, changes, 2)
	assert.Equal(t, "transcription", changes[0].Field)
	assert.Equal(t, "A", changes[0].Before)
	assert.Equal(t, "A\n\nB", changes[0].After)
	assert.Equal(t, "audio_files", changes[1].Field)
	assert.Nil(t, changes[1].Before)
}

func TestDiffTreatsEmptyMetadataAsNull(t *testing.T) {
	before := &store.Consultation{ID: "c-1"}
	after := &store.Consultation{ID: "c-1", Metadata: datatypes.JSONMap{}}
	assert.Empty(t, Diff(before, after))
}

func TestRecordAudit(t *testing.T) {
	db := storetest.Open(t)
	r := NewRecorder(db)
	ctx := context.Background()

	before := &store.Consultation{ID: "c-1", Status: "draft"}
	after := &store.Consultation{ID: "c-1", Status: "transcription", Summary: "resumo"}

	entry, err := r.RecordAudit(ctx, before, after, "doc", ActionJobUpdate)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ActionJobUpdate, entry.Action())
	assert.Len(t, entry.Changes(), 2)

	none, err := r.RecordAudit(ctx, after, after, "doc", ActionJobUpdate)
	require.NoError(t, err)
	assert.Nil(t, none)

	trail, err := r.AuditTrail(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "doc", trail[0].UserID())
	fields := []string{}
	for _, ch := range trail[0].Changes() {
		fields = append(fields, ch.Field)
	}
	assert.Equal(t, []string{"summary", "status"}, fields)
}
