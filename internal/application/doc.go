// Package application provides application initialization and dependency wiring.
// It selects the environment policy, builds the session store, request pipeline
// and HTTP server, and owns the optional nginx supervisor and Redis client
// together with their shutdown hooks, keeping the main package focused on CLI
// parsing and signal handling.
package application
