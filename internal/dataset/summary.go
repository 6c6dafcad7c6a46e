package dataset

import (
	"os"
	"sort"

	"anamnesis-pipeline-go/internal/types"
)

// Summary describes a manifest before it is imported.
type Summary struct {
	Total         int                   `json:"total"`
	Valid         int                   `json:"valid"`
	ByType        map[types.JobType]int `json:"by_type"`
	Consultations []string              `json:"consultations"`
	Invalid       map[int]string        `json:"invalid_rows,omitempty"`
	MissingAudio  []int                 `json:"missing_audio_rows,omitempty"`
}

// Summarize counts entries per type and lists rows that would be skipped.
func Summarize(entries []Entry) Summary {
	s := Summary{
		Total:   len(entries),
		ByType:  map[types.JobType]int{},
		Invalid: map[int]string{},
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if e.Problem != "" {
			s.Invalid[e.Row] = e.Problem
			continue
		}
		if _, err := os.Stat(e.AudioPath); err != nil {
			s.MissingAudio = append(s.MissingAudio, e.Row)
			continue
		}
		s.Valid++
		s.ByType[e.Type]++
		if !seen[e.ConsultationID] {
			seen[e.ConsultationID] = true
			s.Consultations = append(s.Consultations, e.ConsultationID)
		}
	}
	sort.Strings(s.Consultations)
	return s
}
