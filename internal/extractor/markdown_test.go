package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNoteMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  \n ", ""},
		{
			"bold with colon and inline content",
			"**Queixa principal:** dor lombar\r\n**Conduta**: repouso",
			"## Queixa principal\ndor lombar\n\n## Conduta\nrepouso",
		},
		{
			"hash levels and case",
			"### QUEIXA PRINCIPAL\ndor\n\n\n\n# hábitos de vida\nsedentária",
			"## Queixa principal\ndor\n\n## Hábitos de vida\nsedentária",
		},
		{
			"hda acronym wins",
			"História da Doença Atual (HDA):\nHá 3 dias",
			"## História da Doença Atual (HDA)\nHá 3 dias",
		},
		{
			"plain heading alone on its line",
			"Medicamentos em uso\n- Losartana 50mg",
			"## Medicamentos em uso\n- Losartana 50mg",
		},
		{
			"prose is left alone",
			"Condutas prévias foram mantidas.\nConduta expectante discutida com a família.",
			"Condutas prévias foram mantidas.\nConduta expectante discutida com a família.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeNoteMarkdown(tt.in))
		})
	}
}

func TestNormalizeNoteMarkdownIsIdempotent(t *testing.T) {
	in := "**Queixa principal:** dor\nHistória da Doença Atual (HDA)\nhá 2 dias\n__Conduta__\nobservar"
	once := NormalizeNoteMarkdown(in)
	assert.Equal(t, once, NormalizeNoteMarkdown(once))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a": "}"}`, extractJSON("prefix {\"a\": \"}\"} suffix"))
	assert.Equal(t, `{"a":{"b":1}}`, extractJSON("```json\n{\"a\":{\"b\":1}}\n```"))
	assert.Equal(t, "", extractJSON("no object"))
	assert.Equal(t, "", extractJSON("{unbalanced"))
}
