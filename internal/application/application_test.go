package application

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eugenenazirov/site-server/internal/config"
	"github.com/eugenenazirov/site-server/internal/policy"
)

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(":8085")
	logger := zaptest.NewLogger(t)

	app, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if app.server == nil || app.router == nil {
		t.Fatalf("expected server and router to be initialized")
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
	if _, ok := app.Policy().(policy.DevelopmentPolicy); !ok {
		t.Fatalf("expected development policy, got %T", app.Policy())
	}
	if app.proxy != nil || app.cache != nil {
		t.Fatalf("expected nginx and redis to stay disabled")
	}
	if names := app.HookNames(); len(names) != 0 {
		t.Fatalf("expected no shutdown hooks, got %v", names)
	}
}

func TestNewRegistersHooksForEnabledServices(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.Redis.Enabled = true
	cfg.Nginx.Enabled = true
	cfg.Nginx.Binary = filepath.Join(t.TempDir(), "nginx")

	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.cache.Close() })

	if want := []string{"redis", "nginx"}; !slices.Equal(app.HookNames(), want) {
		t.Fatalf("expected hooks %v, got %v", want, app.HookNames())
	}
}

func TestNewRequiresProductionSecret(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.Environment = "production"
	cfg.Session.Secret = ""

	if _, err := New(cfg, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected error without a session secret")
	}
}

func TestNewFailsWithoutViews(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.ViewsDir = "definitely-not-a-views-dir"

	if _, err := New(cfg, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected error for missing views")
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestStartServesAndShutsDown(t *testing.T) {
	app, err := New(baseTestConfig("127.0.0.1:0"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	body := get(t, "http://"+app.Addr()+"/users")
	if body != "respond with a resource" {
		t.Fatalf("unexpected body %q", body)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if _, err := http.Get("http://" + app.Addr() + "/users"); err == nil {
		t.Fatalf("expected server to be closed")
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	first, err := New(baseTestConfig("127.0.0.1:0"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	second, err := New(baseTestConfig(first.Addr()), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := second.Start(); err == nil {
		t.Fatalf("expected bind failure on an occupied port")
	}
}

func TestRedisUnreachableKeepsServing(t *testing.T) {
	srv := miniredis.RunT(t)
	host, port := splitAddr(t, srv.Addr())
	srv.Close()

	cfg := baseTestConfig("127.0.0.1:0")
	cfg.Redis.Enabled = true
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	cfg.Redis.ProbeTimeout = 2 * time.Second

	core, logs := observer.New(zap.InfoLevel)
	app, err := New(cfg, zap.New(core))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for logs.FilterMessage("redis probe failed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected redis probe failure to be logged")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if body := get(t, "http://"+app.Addr()+"/users"); body != "respond with a resource" {
		t.Fatalf("expected server to keep serving, got %q", body)
	}
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}

func TestRedisProbeAndSessionStore(t *testing.T) {
	srv := miniredis.RunT(t)
	host, port := splitAddr(t, srv.Addr())

	cfg := baseTestConfig("127.0.0.1:0")
	cfg.Redis.Enabled = true
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	cfg.Redis.ProbeTimeout = 2 * time.Second
	cfg.Session.Store = config.SessionStoreRedis

	core, logs := observer.New(zap.InfoLevel)
	app, err := New(cfg, zap.New(core))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	get(t, "http://"+app.Addr()+"/")
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	if logs.FilterMessage("redis connected").Len() != 1 {
		t.Fatalf("expected probe success to be logged")
	}
	if got, _ := srv.Get("redis:started"); got != "true" {
		t.Fatalf("expected probe key to be written, got %q", got)
	}
	var sessions int
	for _, key := range srv.Keys() {
		if strings.HasPrefix(key, "sess:") {
			sessions++
		}
	}
	if sessions != 1 {
		t.Fatalf("expected one stored session, keys %v", srv.Keys())
	}
}

func TestNginxSpawnFailureIsNonFatal(t *testing.T) {
	cfg := baseTestConfig("127.0.0.1:0")
	cfg.Nginx.Enabled = true
	cfg.Nginx.Binary = filepath.Join(t.TempDir(), "missing-nginx")
	cfg.Nginx.StopTimeout = time.Second

	core, logs := observer.New(zap.InfoLevel)
	app, err := New(cfg, zap.New(core))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if logs.FilterMessage("failed to start nginx").Len() != 1 {
		t.Fatalf("expected spawn failure to be logged")
	}
	if body := get(t, "http://"+app.Addr()+"/users"); body != "respond with a resource" {
		t.Fatalf("expected server to keep serving, got %q", body)
	}

	if err := app.Shutdown(context.Background()); err == nil || !strings.Contains(err.Error(), "nginx") {
		t.Fatalf("expected nginx hook error, got %v", err)
	}
}

func TestNginxStoppedOnShutdown(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "stopped")
	script := "#!/bin/sh\n" +
		"if [ \"$3\" = \"-s\" ]; then touch " + marker + "; exit 0; fi\n" +
		"if [ \"$1\" = \"-c\" ]; then while [ ! -f " + marker + " ]; do sleep 0.05; done; exit 0; fi\n" +
		"exit 2\n"
	binary := filepath.Join(dir, "nginx")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake nginx: %v", err)
	}

	cfg := baseTestConfig("127.0.0.1:0")
	cfg.Nginx.Enabled = true
	cfg.Nginx.Binary = binary
	cfg.Nginx.StopTimeout = 5 * time.Second

	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !app.proxy.Running() {
		t.Fatalf("expected nginx child to be running")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	select {
	case <-app.proxy.Done():
	default:
		t.Fatalf("expected nginx child to have exited after shutdown")
	}
}

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	app, err := New(baseTestConfig(":0"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		app.addHook(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if want := []string{"third", "second", "first"}; !slices.Equal(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}

	// second call is a no-op
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown returned error: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected hooks to run once, got %v", order)
	}
}

func TestResolveProjectPathFindsGoMod(t *testing.T) {
	path, err := resolveProjectPath("go.mod")
	if err != nil {
		t.Fatalf("resolveProjectPath returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected go.mod to exist at %s: %v", path, err)
	}

	abs, err := resolveProjectPath(path)
	if err != nil || abs != path {
		t.Fatalf("expected absolute path to resolve to itself, got %q (%v)", abs, err)
	}
}

func TestResolveProjectPathUnknownTarget(t *testing.T) {
	if _, err := resolveProjectPath("definitely-not-a-real-file"); err == nil {
		t.Fatalf("expected error for missing resource")
	}
	if got := resolveOrKeep("definitely-not-a-real-file"); got != "definitely-not-a-real-file" {
		t.Fatalf("expected unresolved path to be kept, got %q", got)
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		t.Fatalf("parse port %s: %v", rawPort, err)
	}
	return host, port
}

func baseTestConfig(port string) config.Config {
	return config.Config{
		Environment:          "development",
		Title:                "Test Site",
		Port:                 port,
		ShutdownGracePeriod:  50 * time.Millisecond,
		ReadHeaderTimeout:    time.Second,
		WriteTimeout:         time.Second,
		IdleTimeout:          time.Second,
		EnableRequestLogging: false,
		ViewsDir:             "web/views",
		PublicDir:            "web/public",
		Redis: config.RedisConfig{
			Host:         "127.0.0.1",
			Port:         6379,
			ProbeTimeout: time.Second,
		},
		Nginx: config.NginxConfig{
			Binary:      "/usr/local/bin/nginx",
			ConfPath:    "configs/nginx.conf",
			StopTimeout: time.Second,
		},
		Session: config.SessionConfig{
			Name:   "sid",
			Secret: "test-secret",
			Path:   "/",
			Store:  config.SessionStoreMemory,
		},
	}
}
