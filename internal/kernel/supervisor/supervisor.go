// Package supervisor decides what happens to a protection domain whose
// thread hit an unresolvable page fault, and keeps a log of such faults for
// the administrative interface.
package supervisor

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/lock"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/pager"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/shared/id"
)

// Action is the supervisor's answer to an unresolved fault.
type Action string

const (
	ActionRestart Action = "restart"
	ActionKill    Action = "kill"
)

// Record is one unresolved fault as shown on the admin interface.
type Record struct {
	ID       id.FaultID `json:"id"`
	PD       string     `json:"pd"`
	Thread   string     `json:"thread"`
	Addr     uint64     `json:"addr"`
	IP       uint64     `json:"ip"`
	Access   string     `json:"access"`
	Seq      uint64     `json:"seq"`
	Cause    string     `json:"cause"`
	Action   Action     `json:"action"`
	Killed   int        `json:"killed"`
	Recorded time.Time  `json:"recorded"`
}

// Config configures the supervisor
type Config struct {
	MaxRestarts uint32
	Interval    time.Duration
	Cooldown    time.Duration
	// MaxRecords bounds the fault log; the oldest records are dropped first.
	MaxRecords int
}

// RestartFunc recreates a protection domain after its threads were killed.
// It runs on its own goroutine.
type RestartFunc func(pd string) error

// Supervisor implements pager.Reporter.
type Supervisor struct {
	cfg      Config
	registry *thread.Registry
	cpus     *lock.CPUs
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	restart  RestartFunc

	mu      sync.Mutex
	budgets map[string]*resilience.Budget
	records []Record
	handled uint64
	now     func() time.Time
	wg      sync.WaitGroup
}

var _ pager.Reporter = (*Supervisor)(nil)

// New creates a supervisor acting on registry through cpus.
func New(cfg Config, registry *thread.Registry, cpus *lock.CPUs, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 256
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		cpus:     cpus,
		logger:   logger,
		budgets:  make(map[string]*resilience.Budget),
		now:      time.Now,
	}
}

// WithMetrics attaches a metrics collector
func (s *Supervisor) WithMetrics(m *monitoring.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// OnRestart sets the function that recreates restarted domains.
func (s *Supervisor) OnRestart(fn RestartFunc) *Supervisor {
	s.restart = fn
	return s
}

// UnresolvedFault implements pager.Reporter. The domain's threads are
// killed in either case; with budget left the domain is restarted.
func (s *Supervisor) UnresolvedFault(o *pager.Object, f thread.Fault, cause error) {
	th := o.Thread()
	pd := th.PD()

	action := ActionRestart
	if err := s.budget(pd).Charge(); errors.Is(err, resilience.ErrBudgetExhausted) || s.restart == nil {
		action = ActionKill
	}
	if action == ActionRestart {
		s.wg.Add(1)
	}

	var killed int
	s.cpus.Run(func(cpu lock.CPU) {
		killed = s.registry.KillPD(cpu, pd)
	})
	// the faulting thread may not be registered
	if th.State() != thread.Dead {
		th.Kill()
		killed++
	}

	rec := Record{
		ID:       id.NewFaultID(),
		PD:       pd,
		Thread:   th.Name(),
		Addr:     f.Addr,
		IP:       f.IP,
		Access:   f.Access.String(),
		Seq:      f.Seq,
		Cause:    cause.Error(),
		Action:   action,
		Killed:   killed,
		Recorded: s.now(),
	}
	s.append(rec)
	s.metrics.RecordSupervisorAction(string(action))

	s.logger.Warn("protection domain faulted",
		zap.String("fault_id", rec.ID.String()),
		zap.String("pd", pd),
		zap.String("thread", rec.Thread),
		zap.Uint64("addr", f.Addr),
		zap.String("action", string(action)),
		zap.Int("killed", killed),
		zap.Error(cause))

	if action == ActionRestart {
		go func() {
			defer s.wg.Done()
			if err := s.restart(pd); err != nil {
				s.logger.Error("restart failed", zap.String("pd", pd), zap.Error(err))
			}
		}()
	}
}

// Faults returns the fault log, oldest first.
func (s *Supervisor) Faults() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Handled returns the number of unresolved faults seen so far.
func (s *Supervisor) Handled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled
}

// BudgetState returns the restart budget state of pd.
func (s *Supervisor) BudgetState(pd string) resilience.State {
	return s.budget(pd).State()
}

// Wait blocks until running restarts have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) budget(pd string) *resilience.Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[pd]
	if !ok {
		b = resilience.New(pd, resilience.Settings{
			MaxRestarts: s.cfg.MaxRestarts,
			Interval:    s.cfg.Interval,
			Cooldown:    s.cfg.Cooldown,
			OnStateChange: func(name string, from, to resilience.State) {
				s.logger.Info("restart budget changed",
					zap.String("pd", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
		s.budgets[pd] = b
	}
	return b
}

func (s *Supervisor) append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled++
	if len(s.records) == s.cfg.MaxRecords {
		copy(s.records, s.records[1:])
		s.records = s.records[:len(s.records)-1]
	}
	s.records = append(s.records, rec)
}
