// Package config resolves runtime configuration from three layers (environment
// variables plus an optional dotenv file, command-line arguments, and a JSON or
// YAML config file) with precedence: Environment > Arguments > Config file >
// Defaults. The merged key-value Store is resolved once at startup and decoded
// into the strongly typed Config consumed by the rest of the application.
package config
