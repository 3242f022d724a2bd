package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/eugenenazirov/site-server/internal/policy"
	"github.com/eugenenazirov/site-server/internal/session"
)

const compressionLevel = 5

type errorHandler func(http.ResponseWriter, *http.Request, error)

// RouterOption configures the behaviour of NewRouter.
type RouterOption func(*routerConfig)

// WithLogging controls whether access logs are emitted.
func WithLogging(enabled bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.enableLogging = enabled
	}
}

// WithRateLimiter overrides the request rate limiter (primarily for tests).
func WithRateLimiter(limiter rateLimiter) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rateLimiter = limiter
	}
}

// WithRateLimit enables a token bucket limiter. Zero for either value disables limiting.
func WithRateLimit(rps float64, burst int) RouterOption {
	return func(cfg *routerConfig) {
		if rps <= 0 || burst <= 0 {
			cfg.rateLimiter = nil
			return
		}
		cfg.rateLimiter = newTokenBucketLimiter(rps, burst)
	}
}

// WithSessions attaches a session to every request.
func WithSessions(m *session.Manager) RouterOption {
	return func(cfg *routerConfig) {
		cfg.sessions = m
	}
}

// WithPublicDir serves static files from dir ahead of the routers.
func WithPublicDir(dir string) RouterOption {
	return func(cfg *routerConfig) {
		cfg.publicDir = dir
	}
}

// WithTitle sets the title passed to every view.
func WithTitle(title string) RouterOption {
	return func(cfg *routerConfig) {
		cfg.title = title
	}
}

// WithBodyLimit caps JSON and URL-encoded request bodies.
func WithBodyLimit(limit int64) RouterOption {
	return func(cfg *routerConfig) {
		if limit > 0 {
			cfg.bodyLimit = limit
		}
	}
}

type routerConfig struct {
	enableLogging bool
	rateLimiter   rateLimiter
	sessions      *session.Manager
	publicDir     string
	title         string
	bodyLimit     int64
}

// NewRouter assembles the request pipeline. The middleware order is fixed:
// request id, recovery, security headers (production only), rate limiting,
// compression, access log, JSON body, URL-encoded body, session, cookies,
// static files, then the "/" and "/users" routers, which answer HEAD like GET.
// Anything unmatched becomes a 404 and every error is rendered by the error view.
func NewRouter(pol policy.Policy, renderer *Renderer, logger *zap.Logger, opts ...RouterOption) http.Handler {
	cfg := routerConfig{
		enableLogging: true,
		title:         "Site Server",
		bodyLimit:     DefaultBodyLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	errs := NewErrorRenderer(pol, renderer, logger, cfg.title)
	onError := errs.ServeError
	pg := &pages{renderer: renderer, title: cfg.title, onError: onError}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(func(next http.Handler) http.Handler { return recoveryMiddleware(logger, onError, next) })
	if pol.SecurityHeaders() {
		r.Use(securityHeadersMiddleware)
	}
	r.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(cfg.rateLimiter, onError, next) })
	r.Use(middleware.Compress(compressionLevel))
	if cfg.enableLogging {
		r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(logger, next) })
	}
	r.Use(func(next http.Handler) http.Handler { return jsonBodyMiddleware(cfg.bodyLimit, onError, next) })
	r.Use(func(next http.Handler) http.Handler { return urlencodedBodyMiddleware(cfg.bodyLimit, onError, next) })
	if cfg.sessions != nil {
		r.Use(cfg.sessions.Middleware)
	}
	r.Use(cookieMiddleware)
	r.Use(func(next http.Handler) http.Handler { return staticMiddleware(cfg.publicDir, next) })

	notFound := func(w http.ResponseWriter, req *http.Request) {
		onError(w, req, NewHTTPError(http.StatusNotFound, ""))
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	r.Mount("/users", pg.usersRouter())
	r.Mount("/", pg.indexRouter())

	return r
}

// ErrorRenderer turns errors into rendered error pages according to the active policy.
type ErrorRenderer struct {
	policy   policy.Policy
	renderer *Renderer
	logger   *zap.Logger
	title    string
}

// NewErrorRenderer builds the terminal error handler of the pipeline.
func NewErrorRenderer(pol policy.Policy, renderer *Renderer, logger *zap.Logger, title string) *ErrorRenderer {
	return &ErrorRenderer{policy: pol, renderer: renderer, logger: logger, title: title}
}

// ServeError renders err with its status, or 500. Details are included only
// when the policy exposes them.
func (e *ErrorRenderer) ServeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		e.logger.Error("request failed",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
	}

	view := ErrorView{Title: e.title, Message: e.message(err, status)}
	if e.policy.ExposeErrors() {
		view.Error = ErrorDetail{Status: status, Stack: stackOf(err)}
	}

	if renderErr := e.renderer.Render(w, status, "error", view); renderErr != nil {
		e.logger.Error("render error view failed", zap.Error(renderErr))
		http.Error(w, view.Message, status)
	}
}

func (e *ErrorRenderer) message(err error, status int) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Message
	}
	if e.policy.ExposeErrors() {
		return err.Error()
	}
	return http.StatusText(status)
}

func stackOf(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && len(httpErr.Stack) > 0 {
		return err.Error() + "\n" + string(httpErr.Stack)
	}
	return err.Error()
}
