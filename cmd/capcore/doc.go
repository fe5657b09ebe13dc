// Package main is the entry point of a capcore component.
//
// It loads configuration, builds one component (capability-id allocator,
// kernel lock, RPC and pager entrypoints, supervisor) and serves the admin
// HTTP interface until interrupted.
//
// Configuration:
//   - Environment variables (CAPCORE_*)
//   - Optional YAML file (CAPCORE_CONFIG or -config)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./capcore -config /etc/capcore.yaml
//
//	# Development mode with a demo workload (colored logs, debug level)
//	./capcore -dev -demo
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
