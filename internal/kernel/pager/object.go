package pager

import (
	"errors"
	"sync"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/signal"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
)

var (
	ErrNotManaged = errors.New("pager object not managed")
	ErrNoFault    = errors.New("no fault pending")
)

// Note is the one-way message a pager object sends to its entrypoint.
type Note struct {
	Badge capability.Badge
	Fault thread.Fault
}

// Object is the pager-side representation of one thread.
type Object struct {
	thread   *thread.Thread
	resolver Resolver

	mu         sync.Mutex
	ep         *Entrypoint
	badge      capability.Badge
	fault      thread.Fault
	pending    bool // fault raised and not yet resolved
	noted      bool // note for the pending fault already sent
	unresolved bool
	handler    *signal.Context
}

// NewObject creates a pager object for t. The object becomes t's fault
// handler once an entrypoint manages it.
func NewObject(t *thread.Thread, r Resolver) *Object {
	return &Object{thread: t, resolver: r}
}

// Thread returns the paged thread.
func (o *Object) Thread() *thread.Thread { return o.thread }

// Capability returns the pager capability, invalid while unmanaged.
func (o *Object) Capability() capability.Capability {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ep == nil {
		return capability.Invalid()
	}
	return capability.New(o.ep, o.badge)
}

// SetFaultHandler registers the signal context submitted when a fault is
// deferred.
func (o *Object) SetFaultHandler(c *signal.Context) {
	o.mu.Lock()
	o.handler = c
	o.mu.Unlock()
}

// HandleFault implements thread.FaultHandler.
func (o *Object) HandleFault(_ *thread.Thread, f thread.Fault) {
	o.mu.Lock()
	o.fault = f
	o.pending = true
	o.noted = false
	o.unresolved = false
	ep := o.ep
	o.mu.Unlock()

	if err := o.WakeUp(); err != nil && ep != nil {
		ep.logger.Warn("fault note not delivered", zapFault(f), zapErr(err))
	}
}

// WakeUp notifies the pager entrypoint about the pending fault. It sends at
// most one note per fault occurrence.
func (o *Object) WakeUp() error {
	o.mu.Lock()
	ep := o.ep
	if ep == nil {
		o.mu.Unlock()
		return ErrNotManaged
	}
	if !o.pending {
		o.mu.Unlock()
		return ErrNoFault
	}
	if o.noted {
		o.mu.Unlock()
		return nil
	}
	o.noted = true
	note := Note{Badge: o.badge, Fault: o.fault}
	o.mu.Unlock()

	if err := ep.send(note); err != nil {
		o.mu.Lock()
		if o.fault.Seq == note.Fault.Seq {
			o.noted = false
		}
		o.mu.Unlock()
		return err
	}
	return nil
}

// Reresolve retries a deferred fault, typically after the fault handler
// backed the region.
func (o *Object) Reresolve() error {
	return o.WakeUp()
}

// Recall pauses the thread at its next memory access.
func (o *Object) Recall() {
	o.thread.Recall()
}

// UnresolvedPageFaultOccurred marks the pending fault as terminally
// unresolvable. The thread stays blocked until it is killed.
func (o *Object) UnresolvedPageFaultOccurred() {
	o.mu.Lock()
	o.unresolved = true
	o.pending = false
	o.mu.Unlock()
}

// Unresolved reports whether the last fault was declared unresolvable.
func (o *Object) Unresolved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unresolved
}

// Fault returns the pending fault.
func (o *Object) Fault() (thread.Fault, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fault, o.pending
}

// current returns the pending fault if seq matches it.
func (o *Object) current(seq uint64) (thread.Fault, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fault, o.pending && o.fault.Seq == seq
}

func (o *Object) resolved(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fault.Seq == seq {
		o.pending = false
	}
}

func (o *Object) deferred(seq uint64) *signal.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fault.Seq == seq {
		o.noted = false
	}
	return o.handler
}

func (o *Object) bind(ep *Entrypoint, badge capability.Badge) {
	o.mu.Lock()
	o.ep = ep
	o.badge = badge
	o.mu.Unlock()
}

func (o *Object) unbind() {
	o.mu.Lock()
	o.ep = nil
	o.badge = 0
	o.mu.Unlock()
}
