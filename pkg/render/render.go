package render

import (
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// errorIndent lines continuation rows up with the value column of the
// summary template.
const errorIndent = "\n               "

var funcs = template.FuncMap{
	"duration": func(d time.Duration) string { return d.Round(time.Millisecond).String() },
	"indent":   func(s string) string { return strings.ReplaceAll(strings.TrimSpace(s), "\n", errorIndent) },
}

// Engine renders the CLI report templates.
type Engine struct {
	set *template.Template
}

// New parses the embedded templates.
func New() (*Engine, error) {
	set, err := template.New("reports").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{set: set}, nil
}

// Render executes the named report with data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.set == nil {
		return "", errors.New("nil engine")
	}
	if e.set.Lookup(name) == nil {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var out strings.Builder
	if err := e.set.ExecuteTemplate(&out, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out.String(), nil
}
