// Package application provides application initialization and dependency wiring.
// It builds the broker publisher, handlers, router and HTTP server from a
// loaded configuration, and owns the broker connection for the lifetime of
// the process, keeping the main package focused on CLI parsing and
// orchestration.
package application
