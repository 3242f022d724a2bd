package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/site-server/internal/storage"
)

// ErrNoSecret is returned when a Manager is built without a signing secret.
var ErrNoSecret = errors.New("session secret must not be empty")

// Options describes the session cookie. A zero Expires yields a browser-session cookie.
type Options struct {
	Name     string
	Secret   string
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
	Expires  time.Time
}

// Session is the per-request view of a stored record.
type Session struct {
	mu        sync.Mutex
	rec       storage.Record
	isNew     bool
	destroyed bool
	// changed is set by mutations and cleared by each commit snapshot.
	changed bool
}

// ID returns the session identifier carried in the cookie.
func (s *Session) ID() string {
	return s.rec.ID
}

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool {
	return s.isNew
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rec.Values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	s.rec.Values[key] = value
	s.changed = true
	s.mu.Unlock()
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	delete(s.rec.Values, key)
	s.changed = true
	s.mu.Unlock()
}

// Values returns a copy of all session values.
func (s *Session) Values() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.rec.Values)
}

// Destroy removes the session from the store once the request completes,
// including when the response has already started.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.changed = true
	s.mu.Unlock()
}

func (s *Session) snapshot() (storage.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.Values = maps.Clone(s.rec.Values)
	s.changed = false
	return rec, s.destroyed
}

func (s *Session) dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

type contextKey struct{}

// FromContext returns the session attached by Manager.Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// NewContext attaches s to ctx.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// ErrorHandler renders a failure to load a session.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Manager loads, creates and persists sessions around each request.
type Manager struct {
	opts    Options
	store   storage.SessionStore
	logger  *zap.Logger
	newID   func() string
	onError ErrorHandler
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithErrorHandler routes store failures to h instead of a bare 500.
func WithErrorHandler(h ErrorHandler) ManagerOption {
	return func(m *Manager) {
		if h != nil {
			m.onError = h
		}
	}
}

// WithIDGenerator overrides session identifier generation (primarily for tests).
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewManager validates opts and returns a Manager backed by store.
func NewManager(opts Options, store storage.SessionStore, logger *zap.Logger, options ...ManagerOption) (*Manager, error) {
	if opts.Secret == "" {
		return nil, ErrNoSecret
	}
	if opts.Name == "" {
		opts.Name = "sid"
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	m := &Manager{
		opts:   opts,
		store:  store,
		logger: logger,
		newID:  uuid.NewString,
		onError: func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		},
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Options returns the cookie settings in effect.
func (m *Manager) Options() Options {
	return m.opts
}

// Middleware attaches a session to every request. The cookie is always issued
// and the record is always saved, whether or not the handler touched it. The
// record is committed before the first response byte; changes made after that
// are committed again once the handler returns.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.load(r)
		if err != nil {
			m.onError(w, r, fmt.Errorf("load session: %w", err))
			return
		}

		http.SetCookie(w, m.cookie(sess.ID()))

		sw := &saveOnWrite{ResponseWriter: w, save: func() { m.commit(r.Context(), sess) }}
		next.ServeHTTP(sw, r.WithContext(NewContext(r.Context(), sess)))
		sw.flushSave()
		if sess.dirty() {
			m.commit(r.Context(), sess)
		}
	})
}

func (m *Manager) load(r *http.Request) (*Session, error) {
	if c, err := r.Cookie(m.opts.Name); err == nil {
		if id, ok := m.verify(c.Value); ok {
			rec, err := m.store.Get(r.Context(), id)
			switch {
			case err == nil:
				return &Session{rec: rec}, nil
			case !errors.Is(err, storage.ErrNotFound):
				return nil, err
			}
		}
	}

	return &Session{
		rec: storage.Record{
			ID:      m.newID(),
			Values:  map[string]any{},
			Expires: m.opts.Expires,
		},
		isNew: true,
	}, nil
}

func (m *Manager) commit(ctx context.Context, sess *Session) {
	rec, destroyed := sess.snapshot()
	if destroyed {
		if err := m.store.Delete(ctx, rec.ID); err != nil {
			m.logger.Error("destroy session failed", zap.String("session_id", rec.ID), zap.Error(err))
		}
		return
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error("save session failed", zap.String("session_id", rec.ID), zap.Error(err))
	}
}

func (m *Manager) cookie(id string) *http.Cookie {
	c := &http.Cookie{
		Name:     m.opts.Name,
		Value:    m.sign(id),
		Path:     m.opts.Path,
		Domain:   m.opts.Domain,
		Secure:   m.opts.Secure,
		HttpOnly: m.opts.HTTPOnly,
		SameSite: m.opts.SameSite,
	}
	if !m.opts.Expires.IsZero() {
		c.Expires = m.opts.Expires
	}
	return c
}

func (m *Manager) sign(id string) string {
	return id + "." + m.mac(id)
}

func (m *Manager) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(m.mac(id))) {
		return "", false
	}
	return id, true
}

func (m *Manager) mac(id string) string {
	h := hmac.New(sha256.New, []byte(m.opts.Secret))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// saveOnWrite persists the session before the first byte of the response goes out.
type saveOnWrite struct {
	http.ResponseWriter
	once sync.Once
	save func()
}

func (s *saveOnWrite) flushSave() {
	s.once.Do(s.save)
}

func (s *saveOnWrite) WriteHeader(status int) {
	s.flushSave()
	s.ResponseWriter.WriteHeader(status)
}

func (s *saveOnWrite) Write(b []byte) (int, error) {
	s.flushSave()
	return s.ResponseWriter.Write(b)
}

func (s *saveOnWrite) Flush() {
	s.flushSave()
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *saveOnWrite) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
