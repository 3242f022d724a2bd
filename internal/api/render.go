package api

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

const layoutView = "layout.html"

// ErrorView is the data passed to the "error" view. Error stays zero unless
// the active policy exposes error details.
type ErrorView struct {
	Title   string
	Message string
	Error   ErrorDetail
}

// ErrorDetail describes the failure for developers.
type ErrorDetail struct {
	Status int
	Stack  string
}

// IndexView is the data passed to the "index" view.
type IndexView struct {
	Title  string
	Visits int
}

// Renderer executes named views, each wrapped in the shared layout.
type Renderer struct {
	views map[string]*template.Template
}

// NewRenderer parses every *.html view in fsys against layout.html.
func NewRenderer(fsys fs.FS) (*Renderer, error) {
	names, err := fs.Glob(fsys, "*.html")
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}

	views := make(map[string]*template.Template, len(names))
	for _, name := range names {
		if name == layoutView {
			continue
		}
		tmpl, err := template.ParseFS(fsys, layoutView, name)
		if err != nil {
			return nil, fmt.Errorf("parse view %s: %w", name, err)
		}
		views[strings.TrimSuffix(path.Base(name), ".html")] = tmpl
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("no views found")
	}

	return &Renderer{views: views}, nil
}

// Has reports whether a view called name was loaded.
func (r *Renderer) Has(name string) bool {
	_, ok := r.views[name]
	return ok
}

// Render executes the view into a buffer so a failing template never leaves a
// partial response behind.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) error {
	tmpl, ok := r.views[name]
	if !ok {
		return fmt.Errorf("view %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, layoutView, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
