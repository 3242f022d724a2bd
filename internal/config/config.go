package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultConfigFile is read when no --config flag is given.
	DefaultConfigFile = "configs/config.json"
	// DefaultEnvFile is the optional dotenv file merged under the process environment.
	DefaultEnvFile = ".env"

	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// ErrMissingSessionSecret is returned when a production configuration has no session secret.
var ErrMissingSessionSecret = errors.New("session-secret is required outside development")

// Config aggregates runtime configuration resolved from the layered Store.
// Precedence: Environment variables > CLI arguments > Config file > Defaults
type Config struct {
	Environment          string        `env:"NODE_ENV" envDefault:"production"`
	Title                string        `env:"APP_TITLE" envDefault:"Site Server"`
	Port                 string        `env:"PORT" envDefault:"3000"`
	ShutdownGracePeriod  time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
	ReadHeaderTimeout    time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	EnableRequestLogging bool          `env:"ENABLE_REQUEST_LOGGING" envDefault:"true"`
	RateLimitRPS         float64       `env:"RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst       int           `env:"RATE_LIMIT_BURST" envDefault:"0"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	ViewsDir             string        `env:"VIEWS_DIR" envDefault:"web/views"`
	PublicDir            string        `env:"PUBLIC_DIR" envDefault:"web/public"`

	Redis   RedisConfig
	Nginx   NginxConfig
	Session SessionConfig
}

// RedisConfig controls the optional cache connection.
type RedisConfig struct {
	Enabled      bool          `env:"ENABLE_REDIS" envDefault:"false"`
	Host         string        `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	Port         int           `env:"REDIS_PORT" envDefault:"9000"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB" envDefault:"0"`
	ProbeTimeout time.Duration `env:"REDIS_PROBE_TIMEOUT" envDefault:"5s"`
}

// Addr returns the host:port pair the client dials.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

// NginxConfig controls the optional reverse-proxy child process.
type NginxConfig struct {
	Enabled     bool          `env:"ENABLE_NGINX" envDefault:"false"`
	Binary      string        `env:"NGINX_PATH" envDefault:"/usr/local/bin/nginx"`
	ConfPath    string        `env:"NGINX_CONF_PATH" envDefault:"configs/nginx.conf"`
	StopTimeout time.Duration `env:"NGINX_STOP_TIMEOUT" envDefault:"10s"`
}

// SessionConfig holds the cookie and store settings shared by both policies.
type SessionConfig struct {
	Name   string `env:"SESSION_NAME" envDefault:"sid"`
	Secret string `env:"session-secret"`
	Domain string `env:"domain"`
	Path   string `env:"session-path" envDefault:"/"`
	Store  string `env:"SESSION_STORE" envDefault:"memory"`
}

// IsDevelopment reports whether the environment flag selects development behaviour.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development":
		return true
	default:
		return false
	}
}

// Addr returns the listen address, prefixing bare ports with ":".
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// Load resolves every layer once and decodes the typed configuration from the merged result.
func Load(src Sources) (Config, *Store, error) {
	store, err := Resolve(src)
	if err != nil {
		return Config{}, nil, err
	}

	cfg, err := Decode(store)
	if err != nil {
		return Config{}, nil, err
	}

	return cfg, store, nil
}

// Decode maps the merged key-value set onto Config and validates the result.
func Decode(store *Store) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: store.StringMap()}); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if !strings.Contains(cfg.Port, ":") {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT must be a valid TCP port, got %q", cfg.Port)
		}
	}
	if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("REDIS_PORT must be a valid TCP port, got %d", cfg.Redis.Port)
	}
	switch cfg.Session.Store {
	case SessionStoreMemory, SessionStoreRedis:
	default:
		return fmt.Errorf("SESSION_STORE must be %q or %q, got %q", SessionStoreMemory, SessionStoreRedis, cfg.Session.Store)
	}
	if cfg.Session.Store == SessionStoreRedis && !cfg.Redis.Enabled {
		return fmt.Errorf("SESSION_STORE=redis requires ENABLE_REDIS")
	}
	if !cfg.IsDevelopment() && cfg.Session.Secret == "" {
		return ErrMissingSessionSecret
	}
	return nil
}
