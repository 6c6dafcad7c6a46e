package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/pipeline"
	"anamnesis-pipeline-go/internal/storage"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/store/storetest"
	"anamnesis-pipeline-go/internal/types"
)

// writeManifest saves rows to dir/manifest.xlsx.
func writeManifest(t *testing.T, dir string, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}
	path := filepath.Join(dir, "manifest.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, [][]any{
		{"Consultation ID", "Audio file", "Type", "Notes"},
		{"c-1", "rec/a.webm", "main", "primeira"},
		{"", "", "", ""},
		{"c-2", "/abs/b.ogg", "Additional", ""},
		{"c-3", "rec/c.webm", "weekly", ""},
		{"", "rec/d.webm"},
	})

	entries, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, Entry{Row: 2, ConsultationID: "c-1", AudioPath: filepath.Join(dir, "rec/a.webm"), Type: types.JobTypeMain, Notes: "primeira"}, entries[0])
	assert.Equal(t, Entry{Row: 4, ConsultationID: "c-2", AudioPath: "/abs/b.ogg", Type: types.JobTypeAdditional}, entries[1])
	assert.Equal(t, 5, entries[2].Row)
	assert.Contains(t, entries[2].Problem, "unknown job type")
	assert.Equal(t, "missing consultation id", entries[3].Problem)
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadManifest(filepath.Join(dir, "nope.xlsx"))
	assert.Error(t, err)

	path := writeManifest(t, dir, [][]any{{"Consultation"}})
	_, err = LoadManifest(path)
	assert.ErrorContains(t, err, "no data rows")

	path = writeManifest(t, dir, [][]any{{"Patient", "Doctor"}, {"p", "d"}})
	_, err = LoadManifest(path)
	assert.ErrorContains(t, err, "consultation and audio")
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "a.webm")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	s := Summarize([]Entry{
		{Row: 2, ConsultationID: "c-2", AudioPath: present, Type: types.JobTypeMain},
		{Row: 3, ConsultationID: "c-1", AudioPath: present, Type: types.JobTypeAdditional},
		{Row: 4, ConsultationID: "c-2", AudioPath: present, Type: types.JobTypeAdditional},
		{Row: 5, ConsultationID: "c-3", AudioPath: filepath.Join(dir, "gone.webm"), Type: types.JobTypeMain},
		{Row: 6, Problem: "missing consultation id"},
	})
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.Valid)
	assert.Equal(t, map[types.JobType]int{types.JobTypeMain: 1, types.JobTypeAdditional: 2}, s.ByType)
	assert.Equal(t, []string{"c-1", "c-2"}, s.Consultations)
	assert.Equal(t, []int{5}, s.MissingAudio)
	assert.Equal(t, map[int]string{6: "missing consultation id"}, s.Invalid)
}

type recordingDispatcher struct {
	reqs []pipeline.Request
	err  error
}

func (d *recordingDispatcher) Submit(ctx context.Context, req pipeline.Request) error {
	d.reqs = append(d.reqs, req)
	return d.err
}

func TestImport(t *testing.T) {
	db := storetest.Open(t)
	storetest.SeedConsultation(t, db, store.Consultation{ID: "c-1"})
	files := storage.NewDisk(t.TempDir())
	src := t.TempDir()
	audio := filepath.Join(src, "A.WEBM")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))

	disp := &recordingDispatcher{}
	n := 0
	im := &Importer{
		DB:       db,
		Jobs:     jobs.NewTracker(db, files, nil),
		Files:    files,
		Dispatch: disp,
		UserID:   "batch",
		newID: func() string {
			n++
			return fmt.Sprintf("up-%d", n)
		},
	}

	rep, err := im.Import(context.Background(), []Entry{
		{Row: 2, ConsultationID: "c-1", AudioPath: audio, Type: types.JobTypeMain, Notes: "lote"},
		{Row: 3, ConsultationID: "c-404", AudioPath: audio, Type: types.JobTypeMain},
		{Row: 4, ConsultationID: "c-1", AudioPath: filepath.Join(src, "gone.webm"), Type: types.JobTypeMain},
		{Row: 5, Problem: "missing audio path"},
	})
	require.NoError(t, err)

	require.Len(t, rep.Imported, 1)
	assert.Equal(t, 2, rep.Imported[0].Row)
	require.Len(t, rep.Skipped, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{rep.Skipped[0].Row, rep.Skipped[1].Row, rep.Skipped[2].Row})
	assert.Contains(t, rep.Skipped[0].Reason, "not found")

	assert.True(t, files.Exists("tmp/uploads/main/up-1.webm"))
	require.Len(t, disp.reqs, 1)
	assert.Equal(t, pipeline.Request{
		JobID:          rep.Imported[0].JobID,
		AudioPath:      "tmp/uploads/main/up-1.webm",
		Type:           types.JobTypeMain,
		ConsultationID: "c-1",
		UserID:         "batch",
		Notes:          "lote",
	}, disp.reqs[0])

	job, err := im.Jobs.Get(context.Background(), rep.Imported[0].JobID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, job.Meta["manifest_row"])
	assert.EqualValues(t, 5, job.Meta["upload_size"])
}

func TestImportRecordsDispatchErrors(t *testing.T) {
	db := storetest.Open(t)
	storetest.SeedConsultation(t, db, store.Consultation{ID: "c-1"})
	files := storage.NewDisk(t.TempDir())
	audio := filepath.Join(t.TempDir(), "a.ogg")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))

	im := &Importer{
		DB:       db,
		Jobs:     jobs.NewTracker(db, files, nil),
		Files:    files,
		Dispatch: &recordingDispatcher{err: errors.New("transcoder exploded")},
	}
	rep, err := im.Import(context.Background(), []Entry{{Row: 2, ConsultationID: "c-1", AudioPath: audio, Type: types.JobTypeMain}})
	require.NoError(t, err)
	require.Len(t, rep.Imported, 1)
	assert.Equal(t, "transcoder exploded", rep.Imported[0].Error)
}

func TestImportStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	im := &Importer{}
	_, err := im.Import(ctx, []Entry{{Row: 2}})
	assert.ErrorIs(t, err, context.Canceled)
}
