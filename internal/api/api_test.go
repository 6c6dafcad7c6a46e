package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/pipeline"
	"anamnesis-pipeline-go/internal/storage"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/store/storetest"
	"anamnesis-pipeline-go/internal/types"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeScheduler struct {
	mu   sync.Mutex
	reqs []pipeline.Request
}

func (f *fakeScheduler) Submit(ctx context.Context, req pipeline.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

type fixture struct {
	router  *gin.Engine
	tracker *jobs.Tracker
	files   *storage.Disk
	sched   *fakeScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	storetest.SeedConsultation(t, db, store.Consultation{ID: "c-1", Status: "draft", CurrentStep: "draft"})
	files := storage.NewDisk(t.TempDir())
	tracker := jobs.NewTracker(db, files, nil)
	sched := &fakeScheduler{}
	return &fixture{
		router:  NewRouter(Deps{DB: db, Jobs: tracker, Files: files, Scheduler: sched}),
		tracker: tracker,
		files:   files,
		sched:   sched,
	}
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func uploadRequest(t *testing.T, consultationID string, fields map[string]string, withFile bool) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if withFile {
		fw, err := mw.CreateFormFile("audio", "Consulta.WEBM")
		require.NoError(t, err)
		_, err = fw.Write([]byte("fake audio bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/consultations/"+consultationID+"/recordings", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "doctor-1")
	return req
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, uploadRequest(t, "c-1", map[string]string{"type": "additional", "notes": " retorno "}, true))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, msgAccepted, body["message"])

	job := body["job"].(map[string]any)
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, "upload", job["step"])
	assert.EqualValues(t, 5, job["progress"])
	assert.EqualValues(t, 1, job["queuePosition"])
	meta := job["meta"].(map[string]any)
	path := meta["original_path"].(string)
	assert.True(t, strings.HasPrefix(path, "tmp/uploads/additional/"))
	assert.True(t, strings.HasSuffix(path, ".webm"))
	assert.EqualValues(t, len("fake audio bytes"), meta["upload_size"])
	assert.Equal(t, "retorno", meta["notes"])
	assert.True(t, f.files.Exists(path))

	require.Len(t, f.sched.reqs, 1)
	assert.Equal(t, pipeline.Request{
		JobID:          job["id"].(string),
		AudioPath:      path,
		Type:           types.JobTypeAdditional,
		ConsultationID: "c-1",
		UserID:         "doctor-1",
		Notes:          "retorno",
	}, f.sched.reqs[0])
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, uploadRequest(t, "missing", nil, true))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, msgNoConsultation, body["message"])

	w, _ = f.do(t, uploadRequest(t, "c-1", map[string]string{"type": "extra"}, true))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, uploadRequest(t, "c-1", nil, false))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.sched.reqs)
}

func TestStatusAndQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j1, err := f.tracker.Create(ctx, types.JobTypeMain, "c-1", "u", nil)
	require.NoError(t, err)
	_, err = f.tracker.Create(ctx, types.JobTypeMain, "c-1", "u", nil)
	require.NoError(t, err)

	w, body := f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+j1.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	job := body["job"].(map[string]any)
	assert.Equal(t, j1.ID, job["id"])
	assert.Equal(t, map[string]any{"id": "c-1", "status": "draft", "currentStep": "draft"}, job["consultation"])

	w, body = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["jobs"], 2)

	w, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := f.tracker.Create(ctx, types.JobTypeMain, "c-1", "u", nil)
	require.NoError(t, err)
	_, err = f.tracker.Update(ctx, j.ID, types.JobStatusFailed, jobs.Update{Step: types.StepFailed})
	require.NoError(t, err)
	_, err = f.tracker.Create(ctx, types.JobTypeAdditional, "c-1", "u", nil)
	require.NoError(t, err)

	w, body := f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/stats?since=1h", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1h0m0s", body["since"])
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["total"])
	assert.Equal(t, []any{"main"}, stats["degraded"])

	w, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/stats?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.files.Save("tmp/uploads/main/a.webm", strings.NewReader("x"))
	require.NoError(t, err)
	j, err := f.tracker.Create(ctx, types.JobTypeMain, "c-1", "u", map[string]any{"original_path": "tmp/uploads/main/a.webm"})
	require.NoError(t, err)

	w, body := f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+j.ID+"/retry", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, msgJobActive, body["message"])

	_, err = f.tracker.Update(ctx, j.ID, types.JobStatusFailed, jobs.Update{Step: types.StepFailed})
	require.NoError(t, err)

	w, body = f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+j.ID+"/retry", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, msgRestarted, body["message"])
	retried := body["job"].(map[string]any)
	assert.Equal(t, j.ID, retried["meta"].(map[string]any)["retry_of"])
	require.Len(t, f.sched.reqs, 1)
	assert.Equal(t, "u", f.sched.reqs[0].UserID)

	w, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/missing/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := f.tracker.Create(ctx, types.JobTypeMain, "c-1", "u", map[string]any{"original_path": "tmp/uploads/main/gone.webm"})
	require.NoError(t, err)
	_, err = f.tracker.Update(ctx, j.ID, types.JobStatusFailed, jobs.Update{})
	require.NoError(t, err)

	w, body := f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+j.ID+"/retry", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, msgRetryUnavailable, body["message"])
}
