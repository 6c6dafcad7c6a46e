// Package insights maps loosely-typed model output into canonical flags and
// follow-up questions. Everything here is pure.
package insights

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"anamnesis-pipeline-go/internal/types"
)

// Kind tells a string shorthand apart from a structured object.
type Kind int

const (
	KindText Kind = iota
	KindObject
)

// RawItem is one entry of a flags or questions array as the model sent it.
// Index is the position in the original array and drives synthetic ids.
type RawItem struct {
	Kind   Kind
	Index  int
	Text   string
	Fields map[string]any
}

// Text builds a string shorthand item.
func Text(index int, s string) RawItem {
	return RawItem{Kind: KindText, Index: index, Text: s}
}

// Object builds a structured item. Keys are lowercased.
func Object(index int, fields map[string]any) RawItem {
	lowered := make(map[string]any, len(fields))
	for k, v := range fields {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return RawItem{Kind: KindObject, Index: index, Fields: lowered}
}

// ParseItems converts a decoded JSON value into raw items. A lone object or
// string counts as a one-element list; null, false and "" entries are skipped.
func ParseItems(v any) []RawItem {
	var list []any
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		list = t
	default:
		list = []any{t}
	}

	items := make([]RawItem, 0, len(list))
	for i, el := range list {
		switch t := el.(type) {
		case nil:
		case bool:
			if t {
				items = append(items, Text(i, "true"))
			}
		case string:
			if t != "" {
				items = append(items, Text(i, t))
			}
		case map[string]any:
			items = append(items, Object(i, t))
		default:
			if s := scalar(t); s != "" {
				items = append(items, Text(i, s))
			}
		}
	}
	return items
}

var severities = map[string]types.Severity{
	"critica":  types.SeverityRed,
	"alta":     types.SeverityOrange,
	"moderada": types.SeverityYellow,
	"baixa":    types.SeverityGray,
	"red":      types.SeverityRed,
	"orange":   types.SeverityOrange,
	"yellow":   types.SeverityYellow,
	"gray":     types.SeverityGray,
}

var categories = map[string]types.FlagCategory{
	"clinico":      types.CategoryClinical,
	"juridico":     types.CategoryLegal,
	"cognitivo":    types.CategoryClinical,
	"polifarmacia": types.CategoryDrug,
	"clinical":     types.CategoryClinical,
	"legal":        types.CategoryLegal,
	"drug":         types.CategoryDrug,
}

const (
	defaultFlagTitle = "Alerta"
	titleLimit       = 80
)

// NormalizeFlags maps raw items to canonical flags. Unknown severities fall
// back to yellow and unknown categories to clinical.
func NormalizeFlags(items []RawItem) []types.Flag {
	flags := make([]types.Flag, 0, len(items))
	for _, it := range items {
		id := fmt.Sprintf("flag_%d", it.Index+1)
		if it.Kind == KindText {
			text := clean(it.Text)
			flags = append(flags, types.Flag{
				ID:       id,
				Title:    limit(text, titleLimit),
				Severity: types.SeverityYellow,
				Details:  text,
				Category: types.CategoryClinical,
			})
			continue
		}

		if v := clean(field(it.Fields, "id")); v != "" {
			id = v
		}
		title := clean(field(it.Fields, "title", "titulo", "resumo"))
		details := clean(field(it.Fields, "details", "detalhes", "descricao"))
		suggestion := clean(field(it.Fields, "suggestion", "sugestao", "orientacao"))
		if title == "" && (details != "" || suggestion != "") {
			title = defaultFlagTitle
		}

		severity, ok := severities[fold(field(it.Fields, "severity", "gravidade"))]
		if !ok {
			severity = types.SeverityYellow
		}
		category, ok := categories[fold(field(it.Fields, "type", "tipo", "category", "categoria"))]
		if !ok {
			category = types.CategoryClinical
		}

		flags = append(flags, types.Flag{
			ID:         id,
			Title:      title,
			Severity:   severity,
			Details:    details,
			Suggestion: suggestion,
			Category:   category,
		})
	}
	return flags
}

// FilterFlags drops flags with no title, details or suggestion.
func FilterFlags(flags []types.Flag) []types.Flag {
	out := make([]types.Flag, 0, len(flags))
	for _, f := range flags {
		if !f.Empty() {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeQuestions maps raw items to follow-up questions, dropping those
// with blank text. New questions always start not done.
func NormalizeQuestions(items []RawItem) []types.FollowUpQuestion {
	out := make([]types.FollowUpQuestion, 0, len(items))
	for _, it := range items {
		q := types.FollowUpQuestion{
			ID:       fmt.Sprintf("q_%d", it.Index+1),
			Category: "general",
			Priority: "medium",
		}
		if it.Kind == KindText {
			q.Text = clean(it.Text)
		} else {
			q.Text = clean(field(it.Fields, "text", "texto", "question", "pergunta"))
			if v := clean(field(it.Fields, "id")); v != "" {
				q.ID = v
			}
			if v := clean(field(it.Fields, "category", "categoria")); v != "" {
				q.Category = v
			}
			if v := clean(field(it.Fields, "priority", "prioridade")); v != "" {
				q.Priority = v
			}
		}
		if q.Text == "" {
			continue
		}
		out = append(out, q)
	}
	return out
}

// field returns the first non-nil value among keys, stringified.
func field(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			if s := scalar(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// clean trims whitespace and invisible format characters.
func clean(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.Is(unicode.Cf, r)
	})
}

// fold lowercases and strips diacritics for vocabulary lookup.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(clean(s)))
	if err != nil {
		return strings.ToLower(clean(s))
	}
	return out
}

func limit(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRightFunc(string(r[:n]), unicode.IsSpace) + "..."
}
