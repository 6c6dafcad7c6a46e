package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
)

func job(t types.JobType, s types.JobStatus, progress int) store.Job {
	return store.Job{Type: t, Status: s, Progress: progress}
}

func TestAggregate(t *testing.T) {
	s := Aggregate([]store.Job{
		job(types.JobTypeMain, types.JobStatusCompleted, 100),
		job(types.JobTypeMain, types.JobStatusCompleted, 100),
		job(types.JobTypeMain, types.JobStatusCompleted, 100),
		job(types.JobTypeMain, types.JobStatusFailed, 40),
		job(types.JobTypeAdditional, types.JobStatusFailed, 65),
		job(types.JobTypeAdditional, types.JobStatusCompleted, 100),
		job(types.JobTypeAdditional, types.JobStatusQueued, 5),
	})

	assert.Equal(t, 7, s.Total)
	assert.Equal(t, map[types.JobStatus]int{
		types.JobStatusCompleted: 4,
		types.JobStatusFailed:    2,
		types.JobStatusQueued:    1,
	}, s.ByStatus)
	assert.InDelta(t, 0.25, s.FailureRateByType[types.JobTypeMain], 1e-9)
	assert.InDelta(t, 0.5, s.FailureRateByType[types.JobTypeAdditional], 1e-9)
	assert.Equal(t, map[string]int{types.StepTranscription: 1, types.StepAnamnesis: 1}, s.FailuresByStage)
	assert.Equal(t, []types.JobType{types.JobTypeAdditional}, s.Degraded)
}

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate(nil)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.FailureRateByType)
	assert.NotNil(t, s.Degraded)
}

func TestFailedStage(t *testing.T) {
	cases := map[int]string{
		0:   types.StepValidation,
		5:   types.StepValidation,
		15:  types.StepAudioProcessing,
		40:  types.StepTranscription,
		65:  types.StepAnamnesis,
		100: types.StepAnamnesis,
	}
	for progress, want := range cases {
		assert.Equal(t, want, FailedStage(progress), "progress %d", progress)
	}
}
