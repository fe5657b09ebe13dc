// Package component is the process root of a capcore component.
//
// A Component owns everything the kernel packages would otherwise keep in
// globals: the capability-id allocator, the kernel lock with its CPU pool,
// the thread registry, one RPC and one pager entrypoint, the supervisor and
// a private Prometheus registry. Several components can run side by side in
// one process.
//
// Protection domains are launched from a Domain description so the
// supervisor can recreate them after an unresolved page fault.
package component
