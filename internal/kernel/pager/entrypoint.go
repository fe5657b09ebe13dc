package pager

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capid"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/objpool"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/shared/id"
)

var (
	ErrEntrypointClosed = errors.New("pager entrypoint closed")
	ErrForeignObject    = errors.New("pager object managed by another entrypoint")
)

// Config configures a pager entrypoint
type Config struct {
	Name       string
	QueueDepth int
}

// Reporter receives faults that could not be resolved. It is called on the
// pager goroutine and must not block.
type Reporter interface {
	UnresolvedFault(o *Object, f thread.Fault, cause error)
}

// Entrypoint serves fault notes for the pager objects it manages.
type Entrypoint struct {
	id       id.EntrypointID
	cfg      Config
	alloc    *capid.Allocator
	pool     *objpool.Pool[*Object]
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	reporter Reporter

	notes   chan Note
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewEntrypoint creates a pager entrypoint and starts its goroutine.
func NewEntrypoint(cfg Config, alloc *capid.Allocator, logger *zap.Logger) *Entrypoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	ep := &Entrypoint{
		id:      id.NewEntrypointID(),
		cfg:     cfg,
		alloc:   alloc,
		pool:    objpool.New[*Object](),
		notes:   make(chan Note, cfg.QueueDepth),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	ep.logger = logger.With(zap.String("pager", cfg.Name), zap.String("ep_id", ep.id.String()))
	go ep.run()
	return ep
}

// WithMetrics attaches a metrics collector
func (ep *Entrypoint) WithMetrics(m *monitoring.Metrics) *Entrypoint {
	ep.metrics = m
	return ep
}

// WithReporter sets the receiver of unresolved faults
func (ep *Entrypoint) WithReporter(r Reporter) *Entrypoint {
	ep.reporter = r
	return ep
}

// DestinationID implements capability.Destination.
func (ep *Entrypoint) DestinationID() string { return ep.id.String() }

// Name returns the configured name.
func (ep *Entrypoint) Name() string { return ep.cfg.Name }

// Managed returns the number of pager objects.
func (ep *Entrypoint) Managed() int { return ep.pool.Len() }

// Manage registers o, issues its pager capability and makes it the fault
// handler of its thread. Managing an object twice returns the existing
// capability.
func (ep *Entrypoint) Manage(o *Object) (capability.Capability, error) {
	select {
	case <-ep.closing:
		return capability.Invalid(), ErrEntrypointClosed
	default:
	}

	if badge, ok := ep.pool.BadgeOf(o); ok {
		ep.warnDoubleManage(badge)
		return capability.New(ep, badge), nil
	}
	if ref := o.Capability(); ref.Valid() && ref.Destination() != capability.Destination(ep) {
		return capability.Invalid(), ErrForeignObject
	}

	badge, err := ep.alloc.AllocBadge(capability.FlagPager)
	if err != nil {
		return capability.Invalid(), fmt.Errorf("manage pager object: %w", err)
	}
	if err := ep.pool.Insert(badge, o); err != nil {
		ep.alloc.FreeBadge(badge)
		// a concurrent Manage of the same object got there first
		if existing, ok := ep.pool.BadgeOf(o); ok {
			ep.warnDoubleManage(existing)
			return capability.New(ep, existing), nil
		}
		return capability.Invalid(), fmt.Errorf("manage pager object: %w", err)
	}
	o.bind(ep, badge)
	o.thread.Bind(o)

	ep.metrics.SetObjectsManaged(ep.cfg.Name, ep.pool.Len())
	return capability.New(ep, badge), nil
}

func (ep *Entrypoint) warnDoubleManage(badge capability.Badge) {
	ep.metrics.IncDoubleManage()
	ep.logger.Warn("pager object already managed", zap.Uint32("badge", uint32(badge)))
}

// Dissolve unregisters o and releases its badge once no note for it is
// being handled. A thread still blocked on a fault is killed.
func (ep *Entrypoint) Dissolve(o *Object) error {
	badge, err := ep.pool.Remove(o)
	if errors.Is(err, objpool.ErrNotFound) {
		return ErrNotManaged
	}
	if err != nil {
		return err
	}
	ep.alloc.FreeBadge(badge)
	o.unbind()
	o.thread.Bind(nil)

	if o.thread.State() == thread.Faulted {
		o.thread.Kill()
		ep.logger.Info("killed thread blocked on dissolved pager",
			zap.String("thread", o.thread.Name()),
			zap.String("pd", o.thread.PD()))
	}
	ep.metrics.SetObjectsManaged(ep.cfg.Name, ep.pool.Len())
	return nil
}

// Close stops the pager goroutine and dissolves all objects.
func (ep *Entrypoint) Close() error {
	ep.once.Do(func() {
		close(ep.closing)
		<-ep.stopped
	})
	for _, o := range ep.pool.Objects() {
		if err := ep.Dissolve(o); err != nil && !errors.Is(err, ErrNotManaged) {
			return err
		}
	}
	return nil
}

func (ep *Entrypoint) send(n Note) error {
	select {
	case <-ep.closing:
		return ErrEntrypointClosed
	default:
	}
	select {
	case ep.notes <- n:
		return nil
	case <-ep.closing:
		return ErrEntrypointClosed
	}
}

func (ep *Entrypoint) run() {
	defer close(ep.stopped)
	for {
		select {
		case <-ep.closing:
			return
		case n := <-ep.notes:
			if !ep.pool.Apply(n.Badge, func(o *Object) { ep.handle(o, n) }) {
				ep.logger.Warn("fault note for unknown pager object", zap.Uint32("badge", uint32(n.Badge)))
			}
		}
	}
}

func (ep *Entrypoint) handle(o *Object, n Note) {
	f, ok := o.current(n.Fault.Seq)
	if !ok {
		ep.logger.Debug("stale fault note", zapFault(n.Fault))
		return
	}

	res, err := o.resolver.Resolve(f)
	if err == nil {
		if merr := o.thread.Space().MapLocal(res.Phys, res.Virt, res.Pages, res.Writable); merr != nil {
			err = fmt.Errorf("%w: %w", ErrUnresolvable, merr)
		}
	}

	switch {
	case err == nil:
		o.resolved(f.Seq)
		o.thread.Resume()
		ep.metrics.RecordPageFault("resolved")
		ep.logger.Debug("page fault resolved", zapFault(f), zap.Uint64("phys", res.Phys))

	case errors.Is(err, ErrFaultDeferred):
		h := o.deferred(f.Seq)
		if h == nil {
			ep.unresolved(o, f, fmt.Errorf("%w: no fault handler registered", ErrUnresolvable))
			return
		}
		if serr := h.Submit(1); serr != nil {
			ep.unresolved(o, f, fmt.Errorf("%w: fault handler: %w", ErrUnresolvable, serr))
			return
		}
		ep.metrics.RecordPageFault("deferred")
		ep.logger.Debug("page fault deferred", zapFault(f))

	default:
		ep.unresolved(o, f, err)
	}
}

func (ep *Entrypoint) unresolved(o *Object, f thread.Fault, cause error) {
	o.UnresolvedPageFaultOccurred()
	ep.metrics.RecordPageFault("unresolved")
	ep.logger.Warn("unresolved page fault",
		zap.String("thread", o.thread.Name()),
		zap.String("pd", o.thread.PD()),
		zapFault(f),
		zapErr(cause))
	if ep.reporter != nil {
		ep.reporter.UnresolvedFault(o, f, cause)
	}
}

func zapFault(f thread.Fault) zap.Field {
	return zap.Stringer("fault", f)
}

func zapErr(err error) zap.Field {
	return zap.Error(err)
}
