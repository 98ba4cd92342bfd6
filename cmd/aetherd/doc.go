// Package main is the entry point for aetherd, the AetherOS microkernel.
//
// aetherd hosts the capability table, the IPC transport, the buffer pools,
// and the V-Node supervisor in one process. At boot it registers the
// built-in service images, scans the manifest directory and starts every
// manifest it admits.
//
// The admin server provides:
//   - REST API for V-Node lifecycle and capability administration
//   - WebSocket stream of lifecycle events (/stream)
//   - Prometheus metrics (/metrics)
//
// Configuration:
//   - Environment variables with the AETHER_ prefix
//   - CLI flags (override env vars)
//
// Usage:
//
//	./aetherd -manifests ./manifests -port 7070
//
//	# Development mode (console logs, debug level)
//	./aetherd -dev -log-level debug
//
// Signals:
//   - SIGINT, SIGTERM: stop every V-Node and close the journal
package main
