package lock

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrReentrantLock is the panic value when a CPU re-enters a Spin lock it
// already holds under ReentryFault.
var ErrReentrantLock = errors.New("kernel lock re-entered by holding cpu")

// CPU identifies the processor executing kernel code.
type CPU int32

// NoCPU marks an unowned lock.
const NoCPU CPU = -1

// ReentryPolicy decides what happens when a CPU re-acquires a lock it holds.
type ReentryPolicy int

const (
	// ReentryFault logs the error and panics.
	ReentryFault ReentryPolicy = iota
	// ReentryWarn logs the error and keeps spinning until the lock is
	// released by an unlock on the same CPU.
	ReentryWarn
)

// ParseReentryPolicy maps "fault" and "warn" to a policy.
func ParseReentryPolicy(s string) (ReentryPolicy, error) {
	switch s {
	case "fault", "":
		return ReentryFault, nil
	case "warn":
		return ReentryWarn, nil
	default:
		return ReentryFault, fmt.Errorf("unknown reentry policy %q", s)
	}
}

func (p ReentryPolicy) String() string {
	if p == ReentryWarn {
		return "warn"
	}
	return "fault"
}

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Spin is the kernel lock.
type Spin struct {
	state  atomic.Uint32
	owner  atomic.Int32
	wake   atomic.Pointer[chan struct{}]
	policy ReentryPolicy
	logger *zap.Logger
}

// NewSpin creates an unlocked kernel lock.
func NewSpin(policy ReentryPolicy, logger *zap.Logger) *Spin {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Spin{policy: policy, logger: logger}
	s.owner.Store(int32(NoCPU))
	ch := make(chan struct{})
	s.wake.Store(&ch)
	return s
}

// Lock acquires the lock on behalf of cpu.
func (s *Spin) Lock(cpu CPU) {
	if CPU(s.owner.Load()) == cpu {
		s.logger.Error("cpu re-entered kernel lock",
			zap.Int32("cpu", int32(cpu)),
			zap.Stringer("policy", s.policy),
		)
		if s.policy == ReentryFault {
			panic(fmt.Errorf("%w: cpu %d", ErrReentrantLock, cpu))
		}
	}

	for {
		// load the wake channel before trying so an unlock between the
		// failed CAS and the wait is never missed
		wake := s.wake.Load()
		if s.state.CompareAndSwap(unlocked, locked) {
			s.owner.Store(int32(cpu))
			return
		}
		<-*wake
	}
}

// TryLock acquires the lock if it is free.
func (s *Spin) TryLock(cpu CPU) bool {
	if !s.state.CompareAndSwap(unlocked, locked) {
		return false
	}
	s.owner.Store(int32(cpu))
	return true
}

// Unlock releases the lock and wakes every CPU waiting on it.
func (s *Spin) Unlock(cpu CPU) {
	if owner := CPU(s.owner.Load()); owner != cpu {
		s.logger.Error("kernel lock released by foreign cpu",
			zap.Int32("cpu", int32(cpu)),
			zap.Int32("owner", int32(owner)),
		)
	}
	s.owner.Store(int32(NoCPU))
	// atomic store orders every write of the critical section before the
	// release
	s.state.Store(unlocked)

	next := make(chan struct{})
	old := s.wake.Swap(&next)
	close(*old)
}

// Owner returns the CPU holding the lock or NoCPU.
func (s *Spin) Owner() CPU { return CPU(s.owner.Load()) }

// Guard runs fn with the lock held by cpu.
func (s *Spin) Guard(cpu CPU, fn func()) {
	s.Lock(cpu)
	defer s.Unlock(cpu)
	fn()
}
