package adk

import (
	"bytes"
	"embed"
	"strings"
	"text/template"
)

//go:embed prompts/*.md
var promptFS embed.FS

var prompts = template.Must(template.New("prompts").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/*.md"))

// GetSystemPrompt returns a system prompt by name ("analyst_system",
// "remediation_system").
func GetSystemPrompt(name string) string {
	out, err := renderPrompt(name, nil)
	if err != nil {
		return ""
	}
	return out
}

func renderPrompt(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name+".md", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
