package component

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capid"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/lock"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/pager"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/rpc"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/signal"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/supervisor"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
)

var (
	ErrClosed        = errors.New("component closed")
	ErrDomainExists  = errors.New("protection domain already launched")
	ErrUnknownDomain = errors.New("unknown protection domain")
	ErrEmptyDomain   = errors.New("protection domain has no threads")
)

// Domain describes a protection domain. A nil Space gives every
// incarnation a fresh address space.
type Domain struct {
	Name     string
	Threads  []string
	Resolver pager.Resolver
	Space    *mmu.Space
}

// Task is one pager-backed thread of a domain.
type Task struct {
	Thread *thread.Thread
	Pager  *pager.Object
	Cap    capability.Capability
}

// StartFunc runs the workload of a freshly created domain. It is called
// after Launch and after every supervisor restart.
type StartFunc func(pd string, tasks []*Task)

type domain struct {
	def   Domain
	tasks []*Task
	gen   int
}

// Component bundles the kernel objects of one isolated component.
type Component struct {
	name     string
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *monitoring.Metrics

	alloc      *capid.Allocator
	kernel     *lock.Spin
	cpus       *lock.CPUs
	threads    *thread.Registry
	rpc        *rpc.Entrypoint
	pager      *pager.Entrypoint
	supervisor *supervisor.Supervisor

	mu        sync.Mutex
	domains   map[string]*domain
	receivers []*signal.Receiver
	onStart   StartFunc
	closed    bool
}

// New builds a component from cfg. The RPC entrypoint stays delayed until
// Start.
func New(name string, cfg *config.Config, logger *logging.Logger) (*Component, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	policy, _ := cfg.Lock.Policy()
	bufLayout, _ := cfg.Entrypoint.BufferLayout()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	alloc, err := capid.New(cfg.CapID.Layout())
	if err != nil {
		return nil, fmt.Errorf("failed to create capability-id allocator: %w", err)
	}
	alloc.WithMetrics(metrics)

	c := &Component{
		name:     name,
		cfg:      cfg,
		logger:   logger.Component(name).Logger,
		registry: reg,
		metrics:  metrics,
		alloc:    alloc,
		kernel:   lock.NewSpin(policy, logger.Kernel("lock")),
		cpus:     lock.NewCPUs(cfg.Lock.CPUs),
		domains:  make(map[string]*domain),
	}
	c.threads = thread.NewRegistry(c.kernel)

	c.rpc = rpc.NewEntrypoint(rpc.Config{
		Name:       name,
		QueueDepth: cfg.Entrypoint.QueueDepth,
		MsgBufSize: cfg.Entrypoint.MsgBufSize,
		Layout:     bufLayout,
	}, alloc, logger.Kernel("rpc")).WithMetrics(metrics)

	c.supervisor = supervisor.New(supervisor.Config{
		MaxRestarts: cfg.Supervisor.MaxRestarts,
		Interval:    cfg.Supervisor.Interval,
		Cooldown:    cfg.Supervisor.Cooldown,
		MaxRecords:  cfg.Supervisor.MaxRecords,
	}, c.threads, c.cpus, logger.Kernel("supervisor")).
		WithMetrics(metrics).
		OnRestart(c.restart)

	c.pager = pager.NewEntrypoint(pager.Config{
		Name:       name + "-pager",
		QueueDepth: cfg.Pager.QueueDepth,
	}, alloc, logger.Kernel("pager")).
		WithMetrics(metrics).
		WithReporter(c.supervisor)

	c.logger.Info("component created",
		zap.Uint("badge_bits", cfg.CapID.BadgeBits),
		zap.Uint("flag_bits", cfg.CapID.FlagBits),
		zap.String("msgbuf_layout", bufLayout.Name),
		zap.Stringer("reentry", policy),
		zap.Int("cpus", cfg.Lock.CPUs))
	return c, nil
}

// Accessors for the kernel objects owned by the component.
func (c *Component) Name() string                       { return c.name }
func (c *Component) Config() *config.Config             { return c.cfg }
func (c *Component) Allocator() *capid.Allocator        { return c.alloc }
func (c *Component) CPUs() *lock.CPUs                   { return c.cpus }
func (c *Component) Threads() *thread.Registry          { return c.threads }
func (c *Component) RPC() *rpc.Entrypoint               { return c.rpc }
func (c *Component) Pager() *pager.Entrypoint           { return c.pager }
func (c *Component) Supervisor() *supervisor.Supervisor { return c.supervisor }
func (c *Component) Metrics() *monitoring.Metrics       { return c.metrics }
func (c *Component) Gatherer() prometheus.Gatherer      { return c.registry }

// Start activates the RPC entrypoint.
func (c *Component) Start() {
	c.rpc.Activate()
	c.logger.Info("component started")
}

// Serve manages obj at the component's RPC entrypoint.
func (c *Component) Serve(obj rpc.Object) (capability.Capability, error) {
	return c.rpc.Manage(obj)
}

// NewReceiver creates a signal receiver whose contexts get capabilities
// from the component's allocator. It is destroyed on Close.
func (c *Component) NewReceiver(opts ...signal.Option) (*signal.Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	opts = append([]signal.Option{
		signal.WithAllocator(c.alloc),
		signal.WithMetrics(c.metrics),
	}, opts...)
	r := signal.NewReceiver(c.logger.Named("signal"), opts...)
	c.receivers = append(c.receivers, r)
	return r, nil
}

// OnStart sets the workload run for every domain incarnation.
func (c *Component) OnStart(fn StartFunc) {
	c.mu.Lock()
	c.onStart = fn
	c.mu.Unlock()
}

// Launch creates the threads of d, gives each one a pager object and runs
// the start hook.
func (c *Component) Launch(d Domain) ([]*Task, error) {
	if len(d.Threads) == 0 {
		return nil, ErrEmptyDomain
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.domains[d.Name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDomainExists, d.Name)
	}
	dom := &domain{def: d}
	c.domains[d.Name] = dom
	c.mu.Unlock()

	tasks, err := c.incarnate(dom)
	if err != nil {
		c.mu.Lock()
		delete(c.domains, d.Name)
		c.mu.Unlock()
		return nil, err
	}
	c.logger.Info("protection domain launched",
		zap.String("pd", d.Name),
		zap.Int("threads", len(tasks)))
	return tasks, nil
}

// Tasks returns the current tasks of pd.
func (c *Component) Tasks(pd string) ([]*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, ok := c.domains[pd]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, pd)
	}
	return append([]*Task(nil), dom.tasks...), nil
}

// Domains returns the launched domain names in order.
func (c *Component) Domains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.domains))
	for name := range c.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reap forgets pd, killing its threads and dissolving their pager objects.
// It is how a domain the supervisor gave up on releases its capabilities.
func (c *Component) Reap(pd string) error {
	c.mu.Lock()
	dom, ok := c.domains[pd]
	if ok {
		delete(c.domains, pd)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, pd)
	}
	c.cpus.Run(func(cpu lock.CPU) { c.threads.KillPD(cpu, pd) })
	return c.dissolve(dom.tasks)
}

// restart implements supervisor.RestartFunc.
func (c *Component) restart(pd string) error {
	c.mu.Lock()
	dom, ok := c.domains[pd]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, pd)
	}
	if err := c.dissolve(dom.tasks); err != nil {
		return err
	}
	tasks, err := c.incarnate(dom)
	if err != nil {
		return err
	}
	c.logger.Info("protection domain restarted",
		zap.String("pd", pd),
		zap.Int("generation", dom.gen),
		zap.Int("threads", len(tasks)))
	return nil
}

func (c *Component) incarnate(dom *domain) ([]*Task, error) {
	space := dom.def.Space
	if space == nil {
		space = mmu.NewSpace(c.cfg.Pager.PageSize)
	}

	tasks := make([]*Task, 0, len(dom.def.Threads))
	for _, name := range dom.def.Threads {
		var t *thread.Thread
		c.cpus.Run(func(cpu lock.CPU) {
			t = c.threads.Create(cpu, name, dom.def.Name, space)
		})
		o := pager.NewObject(t, dom.def.Resolver)
		ref, err := c.pager.Manage(o)
		if err != nil {
			c.cpus.Run(func(cpu lock.CPU) { c.threads.KillPD(cpu, dom.def.Name) })
			_ = c.dissolve(tasks)
			return nil, fmt.Errorf("failed to manage pager of %s: %w", name, err)
		}
		tasks = append(tasks, &Task{Thread: t, Pager: o, Cap: ref})
	}

	c.mu.Lock()
	dom.tasks = tasks
	dom.gen++
	start := c.onStart
	c.mu.Unlock()

	if start != nil {
		start(dom.def.Name, tasks)
	}
	return tasks, nil
}

func (c *Component) dissolve(tasks []*Task) error {
	var errs []error
	for _, t := range tasks {
		if err := c.pager.Dissolve(t.Pager); err != nil && !errors.Is(err, pager.ErrNotManaged) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats is the admin view of a component.
type Stats struct {
	Name          string              `json:"name"`
	CapIDsInUse   int                 `json:"cap_ids_in_use"`
	CapIDsMax     int                 `json:"cap_ids_max"`
	RPCObjects    int                 `json:"rpc_objects"`
	PagerObjects  int                 `json:"pager_objects"`
	Threads       int                 `json:"threads"`
	Domains       int                 `json:"domains"`
	Receivers     int                 `json:"receivers"`
	FaultsHandled uint64              `json:"faults_handled"`
	Counters      monitoring.Snapshot `json:"counters"`
}

// Stats returns allocator, pool and registry sizes.
func (c *Component) Stats() Stats {
	var threads int
	c.cpus.Run(func(cpu lock.CPU) { threads = c.threads.Len(cpu) })

	c.mu.Lock()
	domains, receivers := len(c.domains), len(c.receivers)
	c.mu.Unlock()

	return Stats{
		Name:          c.name,
		CapIDsInUse:   c.alloc.InUse(),
		CapIDsMax:     c.alloc.NumMax(),
		RPCObjects:    c.rpc.Managed(),
		PagerObjects:  c.pager.Managed(),
		Threads:       threads,
		Domains:       domains,
		Receivers:     receivers,
		FaultsHandled: c.supervisor.Handled(),
		Counters:      c.metrics.Snapshot(),
	}
}

// Faults returns the supervisor's fault records.
func (c *Component) Faults() []supervisor.Record {
	return c.supervisor.Faults()
}

// Close shuts both entrypoints down in parallel, waits for restarts in
// flight and destroys the receivers.
func (c *Component) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	c.mu.Unlock()

	var g errgroup.Group
	g.Go(c.rpc.Close)
	g.Go(c.pager.Close)
	err := g.Wait()

	c.supervisor.Wait()
	c.cpus.Run(func(cpu lock.CPU) {
		for _, t := range c.threads.Threads(cpu) {
			c.threads.Remove(cpu, t.ID())
			t.Kill()
		}
	})
	for _, r := range receivers {
		r.Destroy()
	}

	c.logger.Info("component closed", zap.Int("cap_ids_in_use", c.alloc.InUse()))
	return err
}
