// Package aggregator summarizes job outcomes for operators.
package aggregator

import (
	"sort"

	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
)

// DegradedRate is the failure rate at which a job type is reported as
// degraded.
const DegradedRate = 0.35

// Stats is the outcome summary over a set of jobs.
type Stats struct {
	Total             int                       `json:"total"`
	ByStatus          map[types.JobStatus]int   `json:"by_status"`
	FailureRateByType map[types.JobType]float64 `json:"failure_rate_by_type"`
	FailuresByStage   map[string]int            `json:"failures_by_stage"`
	Degraded          []types.JobType           `json:"degraded"`
}

// Aggregate computes Stats. Failure rates only count finished jobs.
func Aggregate(jobs []store.Job) Stats {
	finished := map[types.JobType]int{}
	failed := map[types.JobType]int{}
	s := Stats{
		Total:             len(jobs),
		ByStatus:          map[types.JobStatus]int{},
		FailureRateByType: map[types.JobType]float64{},
		FailuresByStage:   map[string]int{},
		Degraded:          []types.JobType{},
	}
	for _, j := range jobs {
		s.ByStatus[j.Status]++
		if !j.Status.Terminal() {
			continue
		}
		finished[j.Type]++
		if j.Status == types.JobStatusFailed {
			failed[j.Type]++
			s.FailuresByStage[FailedStage(j.Progress)]++
		}
	}
	for t, n := range finished {
		rate := float64(failed[t]) / float64(n)
		s.FailureRateByType[t] = rate
		if rate >= DegradedRate {
			s.Degraded = append(s.Degraded, t)
		}
	}
	sort.Slice(s.Degraded, func(i, k int) bool { return s.Degraded[i] < s.Degraded[k] })
	return s
}

// FailedStage names the stage a failed job was in, from the last progress
// checkpoint it reached.
func FailedStage(progress int) string {
	switch {
	case progress >= types.ProgressAnamnesis:
		return types.StepAnamnesis
	case progress >= types.ProgressTranscription:
		return types.StepTranscription
	case progress >= types.ProgressAudioProcessing:
		return types.StepAudioProcessing
	default:
		return types.StepValidation
	}
}
