package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBodyLimit caps JSON and URL-encoded request bodies.
const DefaultBodyLimit int64 = 100 << 10

type contextKey string

const (
	requestIDContextKey contextKey = "requestID"
	jsonBodyContextKey  contextKey = "jsonBody"
	cookiesContextKey   contextKey = "cookies"
)

// securityHeaders is the header set applied under the production policy.
var securityHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'self';base-uri 'self';font-src 'self' https: data:;form-action 'self';frame-ancestors 'self';img-src 'self' data:;object-src 'none';script-src 'self';script-src-attr 'none';style-src 'self' https: 'unsafe-inline';upgrade-insecure-requests"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Origin-Agent-Cluster", "?1"},
	{"Referrer-Policy", "no-referrer"},
	{"Strict-Transport-Security", "max-age=15552000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-DNS-Prefetch-Control", "off"},
	{"X-Download-Options", "noopen"},
	{"X-Frame-Options", "SAMEORIGIN"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
	{"X-XSS-Protection", "0"},
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		h.Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		requestID := requestIDFromContext(r.Context())
		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("size", rec.size),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID),
		)
	})
}

func recoveryMiddleware(logger *zap.Logger, onError errorHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", requestIDFromContext(r.Context())))
				err := WrapHTTPError(http.StatusInternalServerError, "", fmt.Errorf("panic: %v", rec))
				err.Stack = debug.Stack()
				onError(w, r, err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := contextWithRequestID(r.Context(), requestID)

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDContextKey).(string); ok {
		return v
	}
	return ""
}

// RequestID returns the identifier assigned to r by the pipeline.
func RequestID(r *http.Request) string {
	return requestIDFromContext(r.Context())
}

func hasMediaType(r *http.Request, accept func(string) bool) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return accept(mediaType)
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func isURLEncoded(mediaType string) bool {
	return mediaType == "application/x-www-form-urlencoded"
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return WrapHTTPError(http.StatusRequestEntityTooLarge, "", err)
	}
	return WrapHTTPError(http.StatusBadRequest, "", err)
}

func jsonBodyMiddleware(limit int64, onError errorHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody || !hasMediaType(r, isJSON) {
			next.ServeHTTP(w, r)
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			onError(w, r, bodyError(err))
			return
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		var body any
		if err := json.Unmarshal(data, &body); err != nil {
			onError(w, r, bodyError(fmt.Errorf("parse json body: %w", err)))
			return
		}

		ctx := context.WithValue(r.Context(), jsonBodyContextKey, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// JSONBody returns the decoded JSON request body, if one was sent.
func JSONBody(r *http.Request) (any, bool) {
	v := r.Context().Value(jsonBodyContextKey)
	return v, v != nil
}

func urlencodedBodyMiddleware(limit int64, onError errorHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody || !hasMediaType(r, isURLEncoded) {
			next.ServeHTTP(w, r)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseForm(); err != nil {
			onError(w, r, bodyError(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FormBody returns the URL-encoded request body parsed by the pipeline.
func FormBody(r *http.Request) url.Values {
	if r.PostForm == nil {
		return url.Values{}
	}
	return r.PostForm
}

func cookieMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies := make(map[string]string)
		for _, c := range r.Cookies() {
			if _, seen := cookies[c.Name]; !seen {
				cookies[c.Name] = c.Value
			}
		}
		ctx := context.WithValue(r.Context(), cookiesContextKey, cookies)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Cookies returns the request cookies by name. The first occurrence of a name wins.
func Cookies(r *http.Request) map[string]string {
	if v, ok := r.Context().Value(cookiesContextKey).(map[string]string); ok {
		return v
	}
	return map[string]string{}
}

// staticMiddleware serves files under root for GET and HEAD and passes every
// other request, including misses, to next. Dotfiles are never served.
func staticMiddleware(root string, next http.Handler) http.Handler {
	if root == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		clean := path.Clean("/" + r.URL.Path)
		for _, segment := range strings.Split(clean, "/") {
			if strings.HasPrefix(segment, ".") {
				next.ServeHTTP(w, r)
				return
			}
		}

		name := filepath.Join(root, filepath.FromSlash(clean))
		info, err := os.Stat(name)
		if err == nil && info.IsDir() {
			name = filepath.Join(name, "index.html")
			info, err = os.Stat(name)
		}
		if err != nil || info.IsDir() {
			next.ServeHTTP(w, r)
			return
		}

		f, err := os.Open(name)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		defer f.Close()

		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
