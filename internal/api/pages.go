package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eugenenazirov/site-server/internal/session"
)

const visitsKey = "views"

// handlerFunc is an http handler that reports failures to the error renderer.
type handlerFunc func(http.ResponseWriter, *http.Request) error

type pages struct {
	renderer *Renderer
	title    string
	onError  errorHandler
}

func (p *pages) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			p.onError(w, r, err)
		}
	}
}

func (p *pages) indexRouter() http.Handler {
	r := chi.NewRouter()
	index := p.handle(p.index)
	r.Get("/", index)
	r.Head("/", index)
	return r
}

func (p *pages) usersRouter() http.Handler {
	r := chi.NewRouter()
	users := p.handle(p.users)
	r.Get("/", users)
	r.Head("/", users)
	return r
}

func (p *pages) index(w http.ResponseWriter, r *http.Request) error {
	visits := 1
	if sess := session.FromContext(r.Context()); sess != nil {
		prev, _ := sess.Get(visitsKey)
		visits = toInt(prev) + 1
		sess.Set(visitsKey, visits)
	}
	return p.renderer.Render(w, http.StatusOK, "index", IndexView{Title: p.title, Visits: visits})
}

func (p *pages) users(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte("respond with a resource"))
	return err
}

// toInt reads counters that may have round-tripped through JSON.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
