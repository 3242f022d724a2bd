package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/site-server/internal/application"
	"github.com/eugenenazirov/site-server/internal/config"
	"github.com/eugenenazirov/site-server/internal/logging"
)

var signalNotify = signal.Notify

// lifecycle is the part of the application main drives after Start.
type lifecycle interface {
	Errors() <-chan error
	Shutdown(ctx context.Context) error
}

func main() {
	src, err := parseArgs(os.Args[1:])
	kingpin.FatalIfError(err, "invalid arguments")

	cfg, store, err := config.Load(src)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	logConfiguration(store, cfg, logger)

	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	if err := shutdown(app, cfg.ShutdownGracePeriod, logger); err != nil {
		logger.Error("shutdown completed with errors", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// parseArgs maps command line flags onto the argument layer of the configuration.
// Keys use the same names as the environment, so --set PORT=8080 and PORT=8080
// address the same setting.
func parseArgs(args []string) (config.Sources, error) {
	cli := kingpin.New("site-server", "HTTP site server with optional nginx front and Redis cache")
	configFile := cli.Flag("config", "Path to JSON or YAML configuration file").Short('c').Default(config.DefaultConfigFile).String()
	envFile := cli.Flag("env-file", "Optional dotenv file read beneath the process environment").Default(config.DefaultEnvFile).String()
	port := cli.Flag("port", "HTTP port or host:port to listen on").String()
	environment := cli.Flag("env", "Runtime environment (development or production)").String()
	set := cli.Flag("set", "Arbitrary KEY=VALUE setting, repeatable").StringMap()

	if _, err := cli.Parse(args); err != nil {
		return config.Sources{}, err
	}

	values := make(map[string]string, len(*set)+2)
	for k, v := range *set {
		values[k] = v
	}
	if *port != "" {
		values["PORT"] = *port
	}
	if *environment != "" {
		values["NODE_ENV"] = *environment
	}

	return config.Sources{
		ConfigFile: *configFile,
		EnvFile:    *envFile,
		Args:       values,
	}, nil
}

// logConfiguration reports where the runtime environment came from.
func logConfiguration(store *config.Store, cfg config.Config, logger *zap.Logger) {
	if !store.Has("NODE_ENV") {
		logger.Warn("NODE_ENV not set, running with the production policy")
	}
	logger.Info("configuration loaded",
		zap.Any("environment", store.Get("NODE_ENV", cfg.Environment)),
		zap.String("addr", cfg.Addr()),
	)
}

// terminationSignals stop the server and the nginx child alike.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// shutdown blocks until a termination signal arrives or the server fails, then
// stops the application within timeout.
func shutdown(app lifecycle, timeout time.Duration, logger *zap.Logger) error {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, terminationSignals...)

	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-app.Errors():
		logger.Error("server stopped unexpectedly, shutting down", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return app.Shutdown(ctx)
}
