package main

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eugenenazirov/site-server/internal/config"
)

func TestParseArgsDefaults(t *testing.T) {
	src, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs returned error: %v", err)
	}

	if src.ConfigFile != config.DefaultConfigFile {
		t.Fatalf("expected default config file, got %q", src.ConfigFile)
	}
	if src.EnvFile != config.DefaultEnvFile {
		t.Fatalf("expected default env file, got %q", src.EnvFile)
	}
	if len(src.Args) != 0 {
		t.Fatalf("expected no argument overrides, got %v", src.Args)
	}
}

func TestParseArgsOverrides(t *testing.T) {
	src, err := parseArgs([]string{
		"-c", "custom.yaml",
		"--port", "8080",
		"--env", "development",
		"--set", "ENABLE_REDIS=true",
		"--set", "REDIS_PORT=6380",
	})
	if err != nil {
		t.Fatalf("parseArgs returned error: %v", err)
	}

	if src.ConfigFile != "custom.yaml" {
		t.Fatalf("expected custom config file, got %q", src.ConfigFile)
	}

	want := map[string]string{
		"PORT":         "8080",
		"NODE_ENV":     "development",
		"ENABLE_REDIS": "true",
		"REDIS_PORT":   "6380",
	}
	for k, v := range want {
		if src.Args[k] != v {
			t.Fatalf("expected %s=%s, got %q", k, v, src.Args[k])
		}
	}
}

func TestParseArgsPortFlagWinsOverSet(t *testing.T) {
	src, err := parseArgs([]string{"--set", "PORT=1", "--port", "2"})
	if err != nil {
		t.Fatalf("parseArgs returned error: %v", err)
	}
	if src.Args["PORT"] != "2" {
		t.Fatalf("expected --port to win, got %q", src.Args["PORT"])
	}
}

func TestParseArgsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseArgs([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestLogConfigurationWarnsOnDefaultEnvironment(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	logConfiguration(config.NewStore(map[string]any{}), config.Config{Environment: "production", Port: "3000"}, zap.New(core))

	if logs.FilterMessage("NODE_ENV not set, running with the production policy").Len() != 1 {
		t.Fatalf("expected default environment warning")
	}
	entries := logs.FilterMessage("configuration loaded").All()
	if len(entries) != 1 || entries[0].ContextMap()["environment"] != "production" {
		t.Fatalf("expected configuration summary, got %v", entries)
	}
}

func TestLogConfigurationUsesResolvedEnvironment(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	store := config.NewStore(map[string]any{"NODE_ENV": "development"})
	logConfiguration(store, config.Config{Environment: "development", Port: "3000"}, zap.New(core))

	if logs.FilterMessage("NODE_ENV not set, running with the production policy").Len() != 0 {
		t.Fatalf("expected no warning when NODE_ENV is set")
	}
	entries := logs.FilterMessage("configuration loaded").All()
	if len(entries) != 1 || entries[0].ContextMap()["environment"] != "development" {
		t.Fatalf("expected resolved environment, got %v", entries)
	}
}
