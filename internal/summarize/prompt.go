package summarize

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const systemPrompt = "You are a research assistant who writes accurate, well-structured " +
	"summaries of academic papers in Markdown. Only use facts stated in the provided text."

// DefaultPrompt is the default instruction template. It sees a PromptData.
const DefaultPrompt = `Summarize the paper below{{if .Title}} titled "{{.Title}}"{{end}}.
{{- if .Authors}}
Authors: {{join .Authors ", "}}{{if .Year}} ({{.Year}}){{end}}
{{- end}}

Write the summary in {{if .OutputLanguage}}{{.OutputLanguage}}{{else if .Language}}{{.Language}}{{else}}the language of the paper{{end}}, in at most {{.MaxWords}} words, with these sections:
## Problem
## Method
## Results
## Limitations
{{- if .Truncated}}

The text was cut off after {{.Pages}} page(s); do not guess at the parts that are missing.
{{- end}}

---
{{.Text}}
`

// PromptData is the data the instruction template is executed with.
type PromptData struct {
	Title          string
	Authors        []string
	Year           int
	Language       string // Detected language of the excerpt
	OutputLanguage string
	Truncated      bool
	Pages          int
	MaxWords       int
	Text           string
}

var templateFuncs = template.FuncMap{"join": strings.Join}

var defaultTemplate = template.Must(ParseTemplate(DefaultPrompt))

// ParseTemplate parses an instruction template.
func ParseTemplate(text string) (*template.Template, error) {
	t, err := template.New("prompt").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template: %w", err)
	}
	return t, nil
}

func (d *Driver) render(in Input, lang string) (string, error) {
	data := PromptData{
		Title:          in.Title,
		Authors:        in.Authors,
		Year:           in.Year,
		Language:       lang,
		OutputLanguage: d.outputLanguage,
		Truncated:      in.Excerpt.Truncated,
		Pages:          len(in.Excerpt.Pages),
		MaxWords:       d.maxWords,
		Text:           in.Excerpt.Text,
	}
	var buf bytes.Buffer
	if err := d.template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return buf.String(), nil
}
