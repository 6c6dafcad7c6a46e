// Package dataset reads batch recording manifests from xlsx workbooks and
// queues a job per row.
package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"anamnesis-pipeline-go/internal/types"
)

// Entry is one manifest row. Problem is set when the row cannot be imported.
type Entry struct {
	Row            int
	ConsultationID string
	AudioPath      string
	Type           types.JobType
	Notes          string
	Problem        string
}

type columns struct {
	consultation, audio, kind, notes int
}

// detectColumns maps header cells by keyword. Unknown headers are ignored.
func detectColumns(header []string) columns {
	cols := columns{-1, -1, -1, -1}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case cols.consultation == -1 && strings.Contains(l, "consult"):
			cols.consultation = i
		case cols.audio == -1 && (strings.Contains(l, "audio") || strings.Contains(l, "áudio") ||
			strings.Contains(l, "file") || strings.Contains(l, "arquivo") || strings.Contains(l, "path")):
			cols.audio = i
		case cols.kind == -1 && (l == "type" || l == "tipo" || strings.Contains(l, "job type")):
			cols.kind = i
		case cols.notes == -1 && (strings.Contains(l, "note") || strings.Contains(l, "nota") || strings.Contains(l, "observ")):
			cols.notes = i
		}
	}
	return cols
}

// LoadManifest reads the first sheet of an xlsx manifest. Relative audio
// paths are resolved against the manifest's directory. Blank rows are
// skipped.
func LoadManifest(path string) ([]Entry, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("manifest has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("manifest has no data rows")
	}

	cols := detectColumns(rows[0])
	if cols.consultation == -1 || cols.audio == -1 {
		return nil, fmt.Errorf("manifest header needs consultation and audio columns, got %q", rows[0])
	}
	base := filepath.Dir(path)

	var out []Entry
	for i, r := range rows[1:] {
		cell := func(idx int) string {
			if idx < 0 || idx >= len(r) {
				return ""
			}
			return strings.TrimSpace(r[idx])
		}
		e := Entry{
			Row:            i + 2,
			ConsultationID: cell(cols.consultation),
			AudioPath:      cell(cols.audio),
			Notes:          cell(cols.notes),
		}
		if e.ConsultationID == "" && e.AudioPath == "" {
			continue
		}
		if e.AudioPath != "" && !filepath.IsAbs(e.AudioPath) {
			e.AudioPath = filepath.Join(base, e.AudioPath)
		}

		jobType, err := types.ParseJobType(cell(cols.kind))
		switch {
		case err != nil:
			e.Problem = err.Error()
		case e.ConsultationID == "":
			e.Problem = "missing consultation id"
		case e.AudioPath == "":
			e.Problem = "missing audio path"
		}
		e.Type = jobType
		out = append(out, e)
	}
	return out, nil
}
