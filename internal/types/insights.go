package types

// Severity of a risk flag.
type Severity string

const (
	SeverityGray   Severity = "gray"
	SeverityYellow Severity = "yellow"
	SeverityOrange Severity = "orange"
	SeverityRed    Severity = "red"
)

// FlagCategory groups flags by the kind of risk.
type FlagCategory string

const (
	CategoryClinical FlagCategory = "clinical"
	CategoryLegal    FlagCategory = "legal"
	CategoryDrug     FlagCategory = "drug"
)

// Flag is a risk or alert annotation attached to a consultation.
type Flag struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Severity   Severity     `json:"severity"`
	Details    string       `json:"details"`
	Suggestion string       `json:"suggestion"`
	Category   FlagCategory `json:"category"`
}

// Empty reports whether the flag carries no text at all.
func (f Flag) Empty() bool {
	return f.Title == "" && f.Details == "" && f.Suggestion == ""
}

// FollowUpQuestion is a question the doctor should ask next.
type FollowUpQuestion struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	IsDone   bool   `json:"isDone"`
}
