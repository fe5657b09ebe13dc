// Package server provides the admin HTTP interface of a component.
//
// Routes:
//   - GET /health   liveness
//   - GET /stats    allocator, pool and registry sizes
//   - GET /faults   unresolved page faults recorded by the supervisor
//   - GET /metrics  Prometheus exposition of the component registry
package server
