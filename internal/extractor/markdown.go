package extractor

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// noteSections are the headings of an anamnesis, in note order. The HDA
// variant with the acronym precedes the bare one.
var noteSections = []string{
	"Estado civil, ocupação e funcionalidade",
	"Queixa principal",
	"História da Doença Atual (HDA)",
	"História da Doença Atual",
	"Antecedentes pessoais e familiares",
	"Hábitos de vida",
	"Medicamentos em uso",
	"Síndromes geriátricas",
	"Conduta",
	"Hipótese diagnóstica",
	"Tratamento não farmacológico",
	"Tratamento farmacológico",
}

// NoteSections returns the required note headings in order.
func NoteSections() []string {
	return append([]string(nil), noteSections...)
}

// longestFirst is used for prefix matching so "(HDA)" wins over the bare
// heading.
var longestFirst = func() []string {
	s := NoteSections()
	sort.SliceStable(s, func(i, j int) bool {
		return utf8.RuneCountInString(s[i]) > utf8.RuneCountInString(s[j])
	})
	return s
}()

var blankRuns = regexp.MustCompile(`\n{3,}`)

// NormalizeNoteMarkdown rewrites known section headings, whatever their
// markup, to "## Section" on their own line and collapses blank runs.
func NormalizeNoteMarkdown(text string) string {
	value := strings.TrimSpace(text)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\r\n", "\n")

	lines := strings.Split(value, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		section, rest, ok := matchHeading(line)
		if !ok {
			out = append(out, line)
			continue
		}
		out = append(out, "", "## "+section)
		if rest != "" {
			out = append(out, rest)
		}
	}
	joined := strings.Join(out, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(joined, "\n\n"))
}

// matchHeading reports whether line opens with a known section heading.
// A heading either carries a colon, sits alone on its line, or is marked up
// with # or emphasis.
func matchHeading(line string) (section, rest string, ok bool) {
	s := strings.TrimLeft(line, " \t")
	marked := false
	if t := trimHashes(s); t != s {
		marked = true
		s = strings.TrimLeft(t, " \t")
	}
	if t := trimEmphasis(s); t != s {
		marked = true
		s = t
	}

	for _, sec := range longestFirst {
		end := prefixBytes(s, sec)
		if !strings.EqualFold(s[:end], sec) {
			continue
		}
		tail := trimEmphasis(s[end:])
		colon := false
		if t := strings.TrimLeft(tail, " \t"); strings.HasPrefix(t, ":") {
			tail = trimEmphasis(t[1:])
			colon = true
		}
		if !colon {
			// "Condutas" is a word, not the "Conduta" heading
			if r, _ := utf8.DecodeRuneInString(tail); unicode.IsLetter(r) || unicode.IsDigit(r) {
				continue
			}
			if strings.TrimSpace(tail) != "" && !marked {
				continue
			}
		}
		return sec, strings.TrimSpace(tail), true
	}
	return "", "", false
}

// prefixBytes returns how many bytes of s cover as many runes as sec has.
func prefixBytes(s, sec string) int {
	want := utf8.RuneCountInString(sec)
	i := 0
	for n := 0; n < want && i < len(s); n++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

func trimHashes(s string) string {
	for i := 0; i < 3 && strings.HasPrefix(s, "#"); i++ {
		s = s[1:]
	}
	return s
}

func trimEmphasis(s string) string {
	for _, m := range []string{"**", "__"} {
		s = strings.TrimPrefix(s, m)
	}
	return s
}
