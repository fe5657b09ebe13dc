package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capid"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/lock"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/msgbuf"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/objpool"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/shared/id"
)

// Config configures an entrypoint
type Config struct {
	Name       string
	QueueDepth int
	MsgBufSize int
	Layout     msgbuf.Layout
}

// DefaultConfig returns the entrypoint defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		QueueDepth: 64,
		MsgBufSize: 1024,
		Layout:     msgbuf.Plain,
	}
}

type request struct {
	badge capability.Badge
	op    Opcode
	in    *msgbuf.Buffer
	reply chan reply
}

type reply struct {
	code ExceptionCode
	out  *msgbuf.Buffer
	err  error
}

// Entrypoint is a server goroutine that receives calls for the objects it
// manages and dispatches them one at a time.
//
// An entrypoint starts in the delayed state: calls queue up but nothing is
// dispatched until Activate.
type Entrypoint struct {
	id      id.EntrypointID
	cfg     Config
	alloc   *capid.Allocator
	pool    *objpool.Pool[Object]
	logger  *zap.Logger
	metrics *monitoring.Metrics

	// repeated manage calls are usually a loop bug; keep the log readable
	warnLimit *rate.Limiter

	requests chan *request
	start    *lock.Cancelable
	activate sync.Once

	runCtx  context.Context
	stop    context.CancelFunc
	closing chan struct{}
	stopped chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewEntrypoint creates an entrypoint that draws badges from alloc and
// starts its server goroutine.
func NewEntrypoint(cfg Config, alloc *capid.Allocator, logger *zap.Logger) *Entrypoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig("").QueueDepth
	}
	if cfg.MsgBufSize <= cfg.Layout.HeaderSize {
		cfg.MsgBufSize = DefaultConfig("").MsgBufSize
	}

	runCtx, stop := context.WithCancel(context.Background())
	ep := &Entrypoint{
		id:        id.NewEntrypointID(),
		cfg:       cfg,
		alloc:     alloc,
		pool:      objpool.New[Object](),
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		requests:  make(chan *request, cfg.QueueDepth),
		start:     lock.NewLocked(),
		runCtx:    runCtx,
		stop:      stop,
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	ep.logger = logger.With(zap.String("entrypoint", cfg.Name), zap.String("ep_id", ep.id.String()))

	go ep.run()
	return ep
}

// WithMetrics attaches a metrics collector
func (ep *Entrypoint) WithMetrics(m *monitoring.Metrics) *Entrypoint {
	ep.metrics = m
	return ep
}

// DestinationID implements capability.Destination.
func (ep *Entrypoint) DestinationID() string { return ep.id.String() }

// ID returns the diagnostic id.
func (ep *Entrypoint) ID() id.EntrypointID { return ep.id }

// Name returns the configured name.
func (ep *Entrypoint) Name() string { return ep.cfg.Name }

// Managed returns the number of objects in the pool.
func (ep *Entrypoint) Managed() int { return ep.pool.Len() }

// Activate releases the delayed start. Further calls have no effect.
func (ep *Entrypoint) Activate() {
	ep.activate.Do(ep.start.Unlock)
}

// Manage makes obj reachable through a new capability. Managing an object
// twice returns its existing capability and logs a warning.
func (ep *Entrypoint) Manage(obj Object) (capability.Capability, error) {
	if ep.isClosed() {
		return capability.Invalid(), ErrEntrypointClosed
	}
	if badge, ok := ep.pool.BadgeOf(obj); ok {
		ep.warnDoubleManage(obj, badge)
		return capability.New(ep, badge), nil
	}

	badge, err := ep.alloc.AllocBadge(capability.FlagRPC)
	if err != nil {
		return capability.Invalid(), fmt.Errorf("manage on %s: %w", ep.cfg.Name, err)
	}
	if err := ep.pool.Insert(badge, obj); err != nil {
		ep.alloc.FreeBadge(badge)
		// lost a race against a concurrent Manage of the same object
		if existing, ok := ep.pool.BadgeOf(obj); ok {
			ep.warnDoubleManage(obj, existing)
			return capability.New(ep, existing), nil
		}
		return capability.Invalid(), fmt.Errorf("manage on %s: %w", ep.cfg.Name, err)
	}

	ep.metrics.SetObjectsManaged(ep.cfg.Name, ep.pool.Len())
	ep.logger.Debug("object managed", zap.Uint32("badge", uint32(badge)))
	return capability.New(ep, badge), nil
}

func (ep *Entrypoint) warnDoubleManage(obj Object, badge capability.Badge) {
	ep.metrics.IncDoubleManage()
	if ep.warnLimit.Allow() {
		ep.logger.Warn("object already managed",
			zap.String("object", fmt.Sprintf("%T", obj)),
			zap.Uint32("badge", uint32(badge)))
	}
}

// Dissolve removes obj from the pool, waits until no dispatch references
// it, and releases its badge. Later calls to the old capability fail with
// ErrInvalidObject.
//
// Dissolving an object from inside its own Dispatch deadlocks.
func (ep *Entrypoint) Dissolve(obj Object) error {
	badge, err := ep.pool.Remove(obj)
	if errors.Is(err, objpool.ErrNotFound) {
		return ErrNotManaged
	}
	if err != nil {
		return err
	}
	ep.alloc.FreeBadge(badge)
	ep.metrics.SetObjectsManaged(ep.cfg.Name, ep.pool.Len())
	ep.logger.Debug("object dissolved", zap.Uint32("badge", uint32(badge)))
	return nil
}

// Call sends a request to the object behind c and waits for the reply.
// The returned buffer holds the results on Success.
func (ep *Entrypoint) Call(ctx context.Context, c capability.Capability, op Opcode, in *msgbuf.Buffer) (*msgbuf.Buffer, ExceptionCode, error) {
	if !c.Valid() {
		return nil, 0, ErrInvalidCapability
	}
	if c.Destination() != capability.Destination(ep) {
		return nil, 0, ErrWrongEntrypoint
	}
	if in == nil {
		in = msgbuf.MustNew(ep.cfg.MsgBufSize, ep.cfg.Layout)
	}
	in.Rewind()

	req := &request{badge: c.Badge(), op: op, in: in, reply: make(chan reply, 1)}
	select {
	case ep.requests <- req:
	case <-ep.closing:
		return nil, 0, ErrEntrypointClosed
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.out, r.code, r.err
	case <-ep.stopped:
		// the server may have replied just before exiting
		select {
		case r := <-req.reply:
			return r.out, r.code, r.err
		default:
			return nil, 0, ErrEntrypointClosed
		}
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Close stops the entrypoint. A pending delayed start is canceled, queued
// calls fail with ErrEntrypointClosed, and every managed object is dissolved.
func (ep *Entrypoint) Close() error {
	ep.closeMu.Lock()
	if ep.closed {
		ep.closeMu.Unlock()
		return nil
	}
	ep.closed = true
	ep.closeMu.Unlock()

	close(ep.closing)
	ep.stop()
	ep.start.Cancel()
	<-ep.stopped

	for _, obj := range ep.pool.Objects() {
		if err := ep.Dissolve(obj); err != nil && !errors.Is(err, ErrNotManaged) {
			return err
		}
	}
	ep.logger.Info("entrypoint closed")
	return nil
}

func (ep *Entrypoint) isClosed() bool {
	ep.closeMu.Lock()
	defer ep.closeMu.Unlock()
	return ep.closed
}

func (ep *Entrypoint) run() {
	defer close(ep.stopped)

	if err := ep.start.Lock(ep.runCtx); err != nil {
		ep.failQueued()
		return
	}
	ep.logger.Debug("entrypoint activated")

	for {
		select {
		case <-ep.closing:
			ep.failQueued()
			return
		case req := <-ep.requests:
			ep.serve(req)
		}
	}
}

func (ep *Entrypoint) failQueued() {
	for {
		select {
		case req := <-ep.requests:
			req.reply <- reply{err: ErrEntrypointClosed}
		default:
			return
		}
	}
}

func (ep *Entrypoint) serve(req *request) {
	timer := monitoring.NewTimer(ep.metrics, ep.cfg.Name)
	out := msgbuf.MustNew(ep.cfg.MsgBufSize, ep.cfg.Layout)

	code := ExceptionInvalidObject
	found := ep.pool.Apply(req.badge, func(obj Object) {
		code = ep.invoke(obj, req, out)
	})
	if !found {
		ep.logger.Debug("call to unknown object", zap.Uint32("badge", uint32(req.badge)))
	}

	timer.Stop(code.String(), !found)
	req.reply <- reply{code: code, out: out}
}

func (ep *Entrypoint) invoke(obj Object, req *request, out *msgbuf.Buffer) ExceptionCode {
	err := obj.Dispatch(req.op, req.in, out)
	if err == nil {
		return Success
	}
	out.Reset()

	var exc *Exception
	switch {
	case errors.As(err, &exc):
		return exc.Code()
	case errors.Is(err, ErrInvalidOpcode):
		return ExceptionInvalidOpcode
	default:
		ep.logger.Error("undeclared exception in dispatch",
			zap.Uint32("badge", uint32(req.badge)),
			zap.Uint32("opcode", uint32(req.op)),
			zap.Error(err))
		return ExceptionUndeclared
	}
}

// Call invokes op on the object behind c. It resolves the entrypoint from
// the capability and converts reply codes into errors: ErrInvalidObject,
// ErrInvalidOpcode, ErrUndeclared or a *RemoteError for declared exceptions.
func Call(ctx context.Context, c capability.Capability, op Opcode, in *msgbuf.Buffer) (*msgbuf.Buffer, error) {
	if !c.Valid() {
		return nil, ErrInvalidCapability
	}
	ep, ok := c.Destination().(*Entrypoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an rpc entrypoint", ErrInvalidCapability, c)
	}
	out, code, err := ep.Call(ctx, c, op, in)
	if err != nil {
		return nil, err
	}
	if err := codeError(code); err != nil {
		return nil, err
	}
	return out, nil
}
