// Package pager resolves page faults of user threads.
//
// Each faulting thread is represented by an Object that a pager Entrypoint
// manages. When the thread faults, the object sends a one-way note carrying
// its badge and the fault to the entrypoint goroutine. The entrypoint asks
// the object's Resolver for a mapping and either installs it and resumes
// the thread, defers to a fault-handler signal, or declares the fault
// unresolvable and reports it.
package pager
