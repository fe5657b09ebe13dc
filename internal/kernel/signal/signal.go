package signal

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/lock"
)

var (
	// ErrBlockingCanceled is returned by blocked waits and kills that were
	// aborted by receiver destruction, context dissolution or ctx.
	ErrBlockingCanceled = lock.ErrBlockingCanceled

	ErrInvalidCount           = errors.New("signal count must be positive")
	ErrInvalidContext         = errors.New("invalid signal context")
	ErrDeadContext            = errors.New("signal context was killed")
	ErrAssignToReceiverFailed = errors.New("signal context already assigned to a receiver")
	ErrWaitInProgress         = errors.New("receiver already has a waiter")
	ErrKillInProgress         = errors.New("signal context kill already pending")
	ErrReceiverDestroyed      = errors.New("signal receiver destroyed")
)

// Signal is one delivery: the context's imprint and how often it was
// submitted since the previous delivery.
type Signal struct {
	Imprint uint64
	Num     uint32

	ctx *Context
	gen uint32
}

// Context returns the delivered context.
func (s Signal) Context() *Context { return s.ctx }

// Ack confirms the delivery. It is required before the context can be
// delivered again when the receiver uses manual acknowledgement, and it
// completes a pending Kill. Acking twice or acking an auto-acked delivery
// has no effect.
func (s Signal) Ack() {
	if s.ctx == nil {
		return
	}
	if b := s.ctx.bound.Load(); b != nil && b.gen == s.gen {
		b.r.ack(b.index, b.gen)
	}
}

type binding struct {
	r     *Receiver
	index int
	gen   uint32
}

// Context is a signal source. It is attached to at most one receiver for
// its whole lifetime.
type Context struct {
	imprint uint64
	bound   atomic.Pointer[binding]
}

// NewContext creates an unattached context. The imprint is returned with
// every delivered signal.
func NewContext(imprint uint64) *Context {
	return &Context{imprint: imprint}
}

// Imprint returns the value signals from this context are signed with.
func (c *Context) Imprint() uint64 { return c.imprint }

// Submit triggers the context n times.
func (c *Context) Submit(n uint32) error {
	if n == 0 {
		return ErrInvalidCount
	}
	b := c.bound.Load()
	if b == nil {
		return ErrInvalidContext
	}
	return b.r.submit(b.index, b.gen, n)
}

// Kill makes the context permanently refuse submissions. If a delivery is
// awaiting acknowledgement, Kill blocks until it is acked, the context is
// dissolved, the receiver is destroyed or ctx ends. Killing a dead context
// succeeds immediately.
func (c *Context) Kill(ctx context.Context) error {
	b := c.bound.Load()
	if b == nil {
		return ErrInvalidContext
	}
	return b.r.kill(ctx, b.index, b.gen)
}
