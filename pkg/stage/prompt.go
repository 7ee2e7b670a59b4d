package stage

import (
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// Section is one block of input material placed in a prompt.
type Section struct {
	Title string
	Body  string
}

type promptData struct {
	Brief       pipeline.Brief
	Stage       pipeline.Stage
	Agent       string
	Instruction string
	Unit        Unit
	TargetWords int
	Inputs      []Section
	Repair      string
}

var prompts = template.Must(template.New("prompts").Parse(`
{{- define "system" -}}
You are {{.Agent}}, one of several specialists writing a {{.Brief.Genre}} {{.Brief.ProductionType}} titled "{{.Brief.Title}}".
{{- with .Brief.Tone}} Tone: {{.}}.{{end}}
{{- with .Brief.Audience}} Audience: {{.}}.{{end}}
Write only the requested output.
{{- end}}

{{- define "prompt" -}}
## Premise
{{.Brief.Premise}}
{{- with .Brief.Notes}}

## Notes from the commissioning editor
{{.}}
{{- end}}
{{- range .Inputs}}

## {{.Title}}
{{.Body}}
{{- end}}

## Task ({{.Stage}})
{{.Instruction}}
{{- if .Unit.Chapter}}
Chapter {{.Unit.Chapter}}{{with .Unit.Title}}: {{.}}{{end}}
{{- end}}
{{- if .Unit.Scene}}
Scene {{.Unit.Scene}}{{with .Unit.Summary}}: {{.}}{{end}}
{{- if .Unit.Pivotal}}
This is a pivotal scene. Give it the weight of the climax.
{{- end}}
{{- end}}
{{- if .TargetWords}}
Target length: about {{.TargetWords}} words.
{{- end}}
{{- with .Repair}}

## Revision notes
{{.}}
{{- end}}
{{- end}}
`))

func render(name string, data promptData) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return b.String(), nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[...truncated]"
}

// chunk splits s into pieces of at most size runes.
func chunk(s string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}
