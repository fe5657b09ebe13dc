// Package lock provides the two lock primitives of the core.
//
// Cancelable is the user-level lock. Its blocking acquire can be aborted
// from outside, for example when the enclosing component is torn down, and
// reports that as ErrBlockingCanceled. A caller that sees the error does not
// hold the lock and must unwind.
//
// Spin is the kernel lock. It is a compare-and-swap word that records the
// acquiring CPU. Unlock explicitly wakes CPUs spinning on the same lock
// rather than relying on cache coherence. It protects kernel-internal object
// graphs only and is never held across a blocking operation.
package lock
