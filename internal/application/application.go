package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eugenenazirov/site-server/internal/api"
	"github.com/eugenenazirov/site-server/internal/cache"
	"github.com/eugenenazirov/site-server/internal/config"
	"github.com/eugenenazirov/site-server/internal/policy"
	"github.com/eugenenazirov/site-server/internal/proxy"
	"github.com/eugenenazirov/site-server/internal/session"
	"github.com/eugenenazirov/site-server/internal/storage"
)

// ShutdownHook is an awaited cleanup step run after the HTTP server stops.
type ShutdownHook struct {
	Name string
	Fn   func(context.Context) error
}

// Option configures New.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock overrides the time source used when selecting the session policy.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg    config.Config
	policy policy.Policy
	logger *zap.Logger
	router http.Handler
	server *http.Server
	cache  *redis.Client
	proxy  *proxy.Supervisor
	hooks  []ShutdownHook

	listener     net.Listener
	errs         chan error
	probes       sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New initializes the application with all dependencies from the provided configuration.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	pol, err := policy.Select(cfg, o.clock())
	if err != nil {
		return nil, fmt.Errorf("select session policy: %w", err)
	}
	if dev, ok := pol.(policy.DevelopmentPolicy); ok && dev.EphemeralSecret {
		logger.Warn("no session-secret configured, sessions will not survive a restart")
	}

	app := &App{
		cfg:    cfg,
		policy: pol,
		logger: logger,
		errs:   make(chan error, 1),
	}

	if cfg.Redis.Enabled {
		app.cache = cache.NewClient(cfg.Redis)
		client := app.cache
		app.addHook("redis", func(context.Context) error {
			return client.Close()
		})
	}

	var store storage.SessionStore
	switch cfg.Session.Store {
	case config.SessionStoreRedis:
		if app.cache == nil {
			return nil, fmt.Errorf("redis session store requires ENABLE_REDIS")
		}
		store = storage.NewRedisStore(app.cache, 0)
	default:
		store = storage.NewMemoryStore()
	}

	rootHandler, err := BuildRootHandler(cfg, pol, store, logger)
	if err != nil {
		if app.cache != nil {
			_ = app.cache.Close()
		}
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}
	app.router = rootHandler
	app.server = NewServer(cfg, rootHandler)

	if cfg.Nginx.Enabled {
		sup := proxy.New(cfg.Nginx.Binary, resolveOrKeep(cfg.Nginx.ConfPath), cfg.Nginx.StopTimeout, logger.Named("nginx"))
		app.proxy = sup
		app.addHook("nginx", sup.Stop)
	}

	logger.Info("application configured",
		zap.String("policy", pol.Name()),
		zap.Bool("nginx", cfg.Nginx.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.String("session_store", cfg.Session.Store),
	)

	return app, nil
}

// BuildRootHandler constructs the root HTTP handler: the request pipeline with
// views, static files and sessions resolved for cfg.
func BuildRootHandler(cfg config.Config, pol policy.Policy, store storage.SessionStore, logger *zap.Logger) (http.Handler, error) {
	viewsPath, err := resolveProjectPath(cfg.ViewsDir)
	if err != nil {
		return nil, err
	}
	renderer, err := api.NewRenderer(os.DirFS(viewsPath))
	if err != nil {
		return nil, err
	}

	publicPath, err := resolveProjectPath(cfg.PublicDir)
	if err != nil {
		logger.Warn("static files disabled", zap.String("dir", cfg.PublicDir), zap.Error(err))
		publicPath = ""
	}

	httpLogger := logger.Named("http")
	errorPages := api.NewErrorRenderer(pol, renderer, httpLogger, cfg.Title)
	sessions, err := session.NewManager(pol.Session(), store, logger.Named("session"),
		session.WithErrorHandler(errorPages.ServeError))
	if err != nil {
		return nil, err
	}

	return api.NewRouter(pol, renderer, httpLogger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithSessions(sessions),
		api.WithPublicDir(publicPath),
		api.WithTitle(cfg.Title),
	), nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

func (a *App) addHook(name string, fn func(context.Context) error) {
	a.hooks = append(a.hooks, ShutdownHook{Name: name, Fn: fn})
}

// Start binds the listener, spawns nginx, launches the cache probe and serves
// HTTP in a goroutine. Only a failure to bind is returned; nginx and Redis
// failures are logged and serving continues.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.listener = ln

	if a.proxy != nil {
		if err := a.proxy.Start(); err != nil {
			a.logger.Error("failed to start nginx", zap.Error(err))
		}
	}

	if a.cache != nil {
		a.probes.Add(1)
		go func() {
			defer a.probes.Done()
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Redis.ProbeTimeout)
			defer cancel()
			_, _ = cache.Probe(ctx, a.cache, a.logger.Named("cache"))
		}()
	}

	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
			a.errs <- err
		}
	}()
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones, then runs the
// shutdown hooks in reverse registration order. Every step is bounded by ctx.
// Later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("graceful shutdown failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("http server: %w", err))
		if closeErr := a.server.Close(); closeErr != nil {
			a.logger.Error("forced close failed", zap.Error(closeErr))
		}
	}

	a.probes.Wait()

	for i := len(a.hooks) - 1; i >= 0; i-- {
		hook := a.hooks[i]
		if err := hook.Fn(ctx); err != nil {
			a.logger.Error("shutdown hook failed", zap.String("hook", hook.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		a.logger.Info("shutdown hook completed", zap.String("hook", hook.Name))
	}

	return errors.Join(errs...)
}

// Server returns the HTTP server instance.
func (a *App) Server() *http.Server {
	return a.server
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Policy returns the environment policy selected at startup.
func (a *App) Policy() policy.Policy {
	return a.policy
}

// Errors delivers a serve failure after Start.
func (a *App) Errors() <-chan error {
	return a.errs
}

// Addr returns the bound listener address, or the configured one before Start.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// HookNames lists the registered shutdown hooks in registration order.
func (a *App) HookNames() []string {
	names := make([]string, 0, len(a.hooks))
	for _, h := range a.hooks {
		names = append(names, h.Name)
	}
	return names
}

// resolveOrKeep returns the project-relative location of path when it exists,
// otherwise path unchanged so the consumer reports the real error.
func resolveOrKeep(path string) string {
	if resolved, err := resolveProjectPath(path); err == nil {
		return resolved
	}
	return path
}

// resolveProjectPath locates a file or directory relative to the project root by walking up the directory tree.
func resolveProjectPath(relative string) (string, error) {
	if filepath.IsAbs(relative) {
		if _, err := os.Stat(relative); err != nil {
			return "", fmt.Errorf("unable to locate %s: %w", relative, err)
		}
		return relative, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, relative)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", relative)
}
