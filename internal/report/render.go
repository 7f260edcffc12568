package report

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Renderer produces the HTML and plain-text representations of a report.
// Timestamps are converted to the display timezone here and nowhere else.
type Renderer struct {
	loc  *time.Location
	html *htmltemplate.Template
	text *texttemplate.Template
}

const displayTimeFormat = "2006-01-02 15:04 MST"

// NewRenderer parses the embedded templates for the given display zone.
func NewRenderer(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{loc: loc}
	funcs := map[string]any{
		"ftime": r.formatTime,
		"join":  strings.Join,
	}

	html, err := htmltemplate.New("report.html.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	text, err := texttemplate.New("report.txt.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/report.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	r.html = html
	r.text = text
	return r, nil
}

// Render returns the HTML and text bodies for the report.
func (r *Renderer) Render(rep *Report) (htmlOut, textOut []byte, err error) {
	var hb bytes.Buffer
	if err := r.html.Execute(&hb, rep); err != nil {
		return nil, nil, fmt.Errorf("render html: %w", err)
	}
	var tb bytes.Buffer
	if err := r.text.Execute(&tb, rep); err != nil {
		return nil, nil, fmt.Errorf("render text: %w", err)
	}
	return hb.Bytes(), tb.Bytes(), nil
}

func (r *Renderer) formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.In(r.loc).Format(displayTimeFormat)
}
