package extractor

import (
	"fmt"
	"strings"

	"anamnesis-pipeline-go/internal/types"
)

// Input is what an extraction call sees.
type Input struct {
	Transcript   string
	ExistingNote string
}

// Mode decides the instruction contract of one extraction call.
type Mode interface {
	Name() string
	SystemPrompt() string
	UserPrompt(in Input) string
}

type fromScratch struct{}

func (fromScratch) Name() string         { return "from_scratch" }
func (fromScratch) SystemPrompt() string { return systemPrompt(scratchRole) }
func (fromScratch) UserPrompt(in Input) string {
	return strings.TrimSpace(in.Transcript)
}

type mergeExisting struct{}

func (mergeExisting) Name() string         { return "merge_existing" }
func (mergeExisting) SystemPrompt() string { return systemPrompt(mergeRole) }
func (mergeExisting) UserPrompt(in Input) string {
	note := strings.TrimSpace(in.ExistingNote)
	if note == "" {
		note = "(no previous anamnesis)"
	}
	return fmt.Sprintf("EXISTING ANAMNESIS:\n%s\n\nNEW TRANSCRIPT:\n%s", note, strings.TrimSpace(in.Transcript))
}

var (
	// FromScratch writes a fresh note from a transcript.
	FromScratch Mode = fromScratch{}
	// MergeExisting folds a follow-up transcript into the previous note.
	MergeExisting Mode = mergeExisting{}
)

// ModeFor picks the mode for a job type.
func ModeFor(t types.JobType) Mode {
	if t == types.JobTypeAdditional {
		return MergeExisting
	}
	return FromScratch
}

const scratchRole = `You are an experienced geriatrician. Convert the consultation transcript into a structured anamnesis and, in the same answer, suggest follow-up questions and risk flags.`

const mergeRole = `You are an experienced geriatrician. You receive an EXISTING anamnesis and a NEW transcript of a follow-up interaction with the same patient. Merge the new findings into the existing anamnesis and return one coherent replacement. Do not discard prior content; update a section only when the new transcript adds or corrects information.`

func systemPrompt(role string) string {
	return role + `

Rules:
- Write in Brazilian Portuguese.
- Use only information present in the text. Do not infer.
- Mark absent information explicitly as "não comentado".
- The anamnesis is Markdown with these sections, in this order: ` + strings.Join(NoteSections(), "; ") + `.
- "summary" has at most 50 words.
- "missing_questions" lists specific questions the doctor should ask next.
- "dynamic_flags" lists risks with type (clinico|juridico|cognitivo|polifarmacia), severity (baixa|moderada|alta|critica), title, details and suggestion.

Answer with a single JSON object:
{
  "anamnesis": "markdown text",
  "summary": "short summary",
  "missing_questions": ["question 1", "question 2"],
  "dynamic_flags": [
    {
      "type": "clinico|juridico|cognitivo|polifarmacia",
      "severity": "baixa|moderada|alta|critica",
      "title": "risk summary",
      "details": "explanation",
      "suggestion": "practical action"
    }
  ]
}`
}

const summarizePrompt = `You will receive part %d of %d of a long consultation transcript. Summarize it in one clear paragraph in Brazilian Portuguese, keeping relevant clinical data and time references.`
