// Package rpc implements synchronous capability-addressed calls.
//
// Servers declare an Interface, bind handlers through a Dispatcher and hand
// the resulting Object to an Entrypoint, which returns the capability
// clients use to reach it. Every call carries an opcode and a message
// buffer and receives an ExceptionCode plus a result buffer.
//
//	iface := rpc.Declare("Counter", rpc.Fn("add", ErrQuota), rpc.Fn("value"))
//	ep := rpc.NewEntrypoint(rpc.DefaultConfig("counter"), alloc, logger)
//	ref, _ := ep.Manage(obj)
//	ep.Activate()
//	err := rpc.NewClient(ref, iface).Invoke(ctx, "add", &v, int64(1))
package rpc
