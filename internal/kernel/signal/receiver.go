package signal

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capid"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/shared/id"
)

type killer struct {
	done chan struct{}
	err  error
}

type slot struct {
	gen   uint32
	ctx   *Context
	badge capability.Badge

	pending uint32
	acked   bool
	queued  bool
	dead    bool
	killer  *killer
}

// kill marks the slot dead and drops it from delivery.
func (s *slot) kill() {
	s.dead = true
	s.pending = 0
	s.queued = false
}

func (s *slot) deliverable() bool {
	return s.queued && !s.dead && s.pending > 0
}

type queued struct {
	index int
	gen   uint32
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithManualAck keeps a delivered context out of the queue until the
// signal is acknowledged.
func WithManualAck() Option {
	return func(r *Receiver) { r.manualAck = true }
}

// WithAllocator makes Manage issue a FlagSignal capability for each context
// so that remote parties can submit through a Transmitter.
func WithAllocator(a *capid.Allocator) Option {
	return func(r *Receiver) { r.alloc = a }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// Receiver collects signals from its contexts and hands them to a single
// waiter at a time.
type Receiver struct {
	id        id.ReceiverID
	manualAck bool
	alloc     *capid.Allocator
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	mu        sync.Mutex
	slots     []slot
	free      []int
	live      int
	badges    map[capability.Badge]queued
	queue     []queued
	waiting   bool
	wake      chan struct{}
	destroyed bool
	gone      chan struct{}
}

// NewReceiver creates an empty receiver.
func NewReceiver(logger *zap.Logger, opts ...Option) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{
		id:     id.NewReceiverID(),
		badges: make(map[capability.Badge]queued),
		wake:   make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.With(zap.String("receiver", r.id.String()))
	return r
}

// DestinationID implements capability.Destination.
func (r *Receiver) DestinationID() string { return r.id.String() }

// ID returns the diagnostic id.
func (r *Receiver) ID() id.ReceiverID { return r.id }

// Contexts returns the number of attached contexts.
func (r *Receiver) Contexts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Manage attaches c to the receiver. A context can be attached only once;
// later attempts, on this or any other receiver, fail with
// ErrAssignToReceiverFailed. With an allocator configured the returned
// capability addresses the context for Transmitters, otherwise it is
// invalid.
func (r *Receiver) Manage(c *Context) (capability.Capability, error) {
	r.mu.Lock()
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		return capability.Invalid(), ErrReceiverDestroyed
	}
	if c.bound.Load() != nil {
		return capability.Invalid(), ErrAssignToReceiverFailed
	}

	// The badge is taken outside r.mu; the allocator has its own lock.
	var badge capability.Badge
	if r.alloc != nil {
		b, err := r.alloc.AllocBadge(capability.FlagSignal)
		if err != nil {
			return capability.Invalid(), fmt.Errorf("manage signal context: %w", err)
		}
		badge = b
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.freeBadges(badge)
		return capability.Invalid(), ErrReceiverDestroyed
	}
	index := r.takeSlot()
	s := &r.slots[index]
	if !c.bound.CompareAndSwap(nil, &binding{r: r, index: index, gen: s.gen}) {
		r.putSlot(index)
		r.mu.Unlock()
		r.freeBadges(badge)
		return capability.Invalid(), ErrAssignToReceiverFailed
	}
	s.ctx = c
	s.badge = badge
	s.acked = true
	r.live++

	if r.alloc == nil {
		r.mu.Unlock()
		return capability.Invalid(), nil
	}
	r.badges[badge] = queued{index: index, gen: s.gen}
	r.mu.Unlock()
	return capability.New(r, badge), nil
}

// Dissolve detaches c. Pending submissions are discarded and a pending Kill
// fails with ErrBlockingCanceled. The context stays unusable afterwards.
func (r *Receiver) Dissolve(c *Context) error {
	b := c.bound.Load()
	if b == nil || b.r != r {
		return ErrInvalidContext
	}
	r.mu.Lock()
	s, ok := r.lookup(b.index, b.gen)
	if !ok {
		r.mu.Unlock()
		return ErrInvalidContext
	}
	badge := r.release(b.index, s)
	r.mu.Unlock()

	r.freeBadges(badge)
	return nil
}

// Destroy dissolves every context and cancels the waiter and all pending
// kills with ErrBlockingCanceled.
func (r *Receiver) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	close(r.gone)

	badges := make([]capability.Badge, 0, r.live)
	for i := range r.slots {
		if s := &r.slots[i]; s.ctx != nil {
			badges = append(badges, r.release(i, s))
		}
	}
	r.queue = nil
	r.mu.Unlock()

	r.freeBadges(badges...)
	r.logger.Debug("receiver destroyed", zap.Int("contexts", len(badges)))
}

// WaitForSignal blocks until a context is deliverable and returns it. Only
// one goroutine may wait at a time. A destroyed receiver or an ended ctx
// yields ErrBlockingCanceled.
func (r *Receiver) WaitForSignal(ctx context.Context) (Signal, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return Signal{}, ErrBlockingCanceled
	}
	if r.waiting {
		r.mu.Unlock()
		return Signal{}, ErrWaitInProgress
	}
	r.waiting = true
	defer func() {
		r.mu.Lock()
		r.waiting = false
		r.mu.Unlock()
	}()

	for {
		if sig, ok := r.dequeue(); ok {
			r.mu.Unlock()
			r.metrics.IncSignalDelivery()
			return sig, nil
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.gone:
			r.metrics.IncSignalCancellation("wait")
			return Signal{}, ErrBlockingCanceled
		case <-ctx.Done():
			r.metrics.IncSignalCancellation("wait")
			return Signal{}, fmt.Errorf("%w: %w", ErrBlockingCanceled, ctx.Err())
		}
		r.mu.Lock()
	}
}

// Pending reports whether a signal could be delivered without blocking.
func (r *Receiver) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queue {
		if s, ok := r.lookup(q.index, q.gen); ok && s.deliverable() {
			return true
		}
	}
	return false
}

func (r *Receiver) submit(index int, gen uint32, n uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookup(index, gen)
	if !ok {
		return ErrInvalidContext
	}
	if s.dead {
		return ErrDeadContext
	}
	if s.pending > ^uint32(0)-n {
		s.pending = ^uint32(0)
	} else {
		s.pending += n
	}
	r.metrics.IncSignalSubmit()
	r.schedule(index, s)
	return nil
}

func (r *Receiver) submitBadge(badge capability.Badge, n uint32) error {
	if n == 0 {
		return ErrInvalidCount
	}
	r.mu.Lock()
	q, ok := r.badges[badge]
	r.mu.Unlock()
	if !ok {
		return ErrInvalidContext
	}
	return r.submit(q.index, q.gen, n)
}

func (r *Receiver) ack(index int, gen uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookup(index, gen)
	if !ok || s.acked {
		return
	}
	s.acked = true
	if k := s.killer; k != nil {
		s.killer = nil
		s.kill()
		close(k.done)
		return
	}
	r.schedule(index, s)
}

func (r *Receiver) kill(ctx context.Context, index int, gen uint32) error {
	r.mu.Lock()
	s, ok := r.lookup(index, gen)
	switch {
	case !ok:
		r.mu.Unlock()
		return ErrInvalidContext
	case s.dead:
		r.mu.Unlock()
		return nil
	case s.killer != nil:
		r.mu.Unlock()
		return ErrKillInProgress
	case s.acked:
		// no delivery in flight
		s.kill()
		r.mu.Unlock()
		return nil
	}
	k := &killer{done: make(chan struct{})}
	s.killer = k
	r.mu.Unlock()

	select {
	case <-k.done:
		if k.err != nil {
			r.metrics.IncSignalCancellation("kill")
		}
		return k.err
	case <-ctx.Done():
		r.mu.Lock()
		// k.done is closed under r.mu, so an ack that won the race is seen here.
		select {
		case <-k.done:
			r.mu.Unlock()
			if k.err != nil {
				r.metrics.IncSignalCancellation("kill")
			}
			return k.err
		default:
		}
		if s, ok := r.lookup(index, gen); ok && s.killer == k {
			s.killer = nil
		}
		r.mu.Unlock()
		r.metrics.IncSignalCancellation("kill")
		return fmt.Errorf("%w: %w", ErrBlockingCanceled, ctx.Err())
	}
}

// schedule queues a deliverable context and wakes the waiter.
func (r *Receiver) schedule(index int, s *slot) {
	if s.queued || s.pending == 0 || !s.acked || s.dead {
		return
	}
	s.queued = true
	r.queue = append(r.queue, queued{index: index, gen: s.gen})
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Receiver) dequeue() (Signal, bool) {
	for len(r.queue) > 0 {
		q := r.queue[0]
		r.queue[0] = queued{}
		r.queue = r.queue[1:]

		s, ok := r.lookup(q.index, q.gen)
		if !ok || !s.queued {
			continue
		}
		s.queued = false
		if s.dead || s.pending == 0 {
			continue
		}
		sig := Signal{Imprint: s.ctx.imprint, Num: s.pending, ctx: s.ctx, gen: s.gen}
		s.pending = 0
		if r.manualAck {
			s.acked = false
		}
		return sig, true
	}
	return Signal{}, false
}

func (r *Receiver) lookup(index int, gen uint32) (*slot, bool) {
	if index < 0 || index >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[index]
	if s.ctx == nil || s.gen != gen {
		return nil, false
	}
	return s, true
}

// release detaches the slot and returns its badge, which the caller frees
// once r.mu is dropped.
func (r *Receiver) release(index int, s *slot) capability.Badge {
	if k := s.killer; k != nil {
		k.err = ErrBlockingCanceled
		close(k.done)
	}
	badge := s.badge
	if r.alloc != nil {
		delete(r.badges, badge)
	}
	r.putSlot(index)
	r.live--
	return badge
}

func (r *Receiver) freeBadges(badges ...capability.Badge) {
	if r.alloc == nil {
		return
	}
	for _, b := range badges {
		r.alloc.FreeBadge(b)
	}
}

func (r *Receiver) takeSlot() int {
	if n := len(r.free); n > 0 {
		index := r.free[n-1]
		r.free = r.free[:n-1]
		return index
	}
	r.slots = append(r.slots, slot{})
	return len(r.slots) - 1
}

// putSlot wipes the slot and bumps its generation so stale bindings miss.
func (r *Receiver) putSlot(index int) {
	gen := r.slots[index].gen + 1
	r.slots[index] = slot{gen: gen}
	r.free = append(r.free, index)
}
