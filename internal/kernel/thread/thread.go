// Package thread is the kernel-side representation of user threads as far
// as the fault protocol needs it: a thread touches its address space, and a
// missing or insufficient mapping turns into a Fault that blocks the thread
// until its pager resumes or kills it.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
)

var (
	ErrDead    = errors.New("thread is dead")
	ErrNoPager = errors.New("thread has no fault handler")
)

// State is the scheduling state of a thread.
type State int

const (
	Running State = iota
	Faulted
	Paused
	Dead
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	case Paused:
		return "paused"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fault describes one page fault occurrence. Seq increases with every fault
// the thread raises.
type Fault struct {
	Addr   uint64
	IP     uint64
	Access mmu.Access
	Seq    uint64
}

func (f Fault) String() string {
	return fmt.Sprintf("%s fault at %#x (ip %#x, #%d)", f.Access, f.Addr, f.IP, f.Seq)
}

// FaultHandler receives faults raised by a thread. HandleFault must not
// block on the faulting thread.
type FaultHandler interface {
	HandleFault(t *Thread, f Fault)
}

// ID identifies a thread within a registry.
type ID uint32

// Thread is a user thread bound to an address space.
type Thread struct {
	id    ID
	name  string
	pd    string
	space *mmu.Space

	mu      sync.Mutex
	state   State
	handler FaultHandler
	ip      uint64
	fault   Fault
	seq     uint64
	recall  bool
	blocked chan struct{} // closed to unblock a faulted or paused thread
}

// New creates a running thread. Threads that take part in a registry are
// created through Registry.Create.
func New(name, pd string, space *mmu.Space) *Thread {
	return &Thread{name: name, pd: pd, space: space}
}

func (t *Thread) ID() ID            { return t.id }
func (t *Thread) Name() string      { return t.name }
func (t *Thread) PD() string        { return t.pd }
func (t *Thread) Space() *mmu.Space { return t.space }

// Bind sets the fault handler, normally the thread's pager object.
func (t *Thread) Bind(h FaultHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// SetIP records the instruction pointer reported with the next fault.
func (t *Thread) SetIP(ip uint64) {
	t.mu.Lock()
	t.ip = ip
	t.mu.Unlock()
}

// State returns the current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastFault returns the most recent fault.
func (t *Thread) LastFault() (Fault, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fault, t.seq > 0
}

// Faults returns how many faults the thread has raised.
func (t *Thread) Faults() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Access performs a memory access and returns the physical address. A
// translation failure raises a fault, blocks until the thread is resumed
// and then retries. Access fails with ErrDead once the thread is killed and
// with ctx.Err() if ctx ends while blocked.
func (t *Thread) Access(ctx context.Context, addr uint64, access mmu.Access) (uint64, error) {
	for {
		if err := t.checkpoint(ctx); err != nil {
			return 0, err
		}

		phys, err := t.space.Translate(addr, access)
		if err == nil {
			return phys, nil
		}
		if !errors.Is(err, mmu.ErrNoMapping) && !errors.Is(err, mmu.ErrPermission) {
			return 0, err
		}

		t.mu.Lock()
		if t.state == Dead {
			t.mu.Unlock()
			return 0, ErrDead
		}
		h := t.handler
		if h == nil {
			t.mu.Unlock()
			return 0, fmt.Errorf("%w: %v", ErrNoPager, err)
		}
		t.seq++
		t.fault = Fault{Addr: addr, IP: t.ip, Access: access, Seq: t.seq}
		t.state = Faulted
		blocked := make(chan struct{})
		t.blocked = blocked
		f := t.fault
		t.mu.Unlock()

		h.HandleFault(t, f)

		if err := t.block(ctx, blocked); err != nil {
			return 0, err
		}
	}
}

// checkpoint honours a pending recall by pausing until resumed.
func (t *Thread) checkpoint(ctx context.Context) error {
	t.mu.Lock()
	if t.state == Dead {
		t.mu.Unlock()
		return ErrDead
	}
	if !t.recall {
		t.mu.Unlock()
		return nil
	}
	t.recall = false
	t.state = Paused
	blocked := make(chan struct{})
	t.blocked = blocked
	t.mu.Unlock()

	return t.block(ctx, blocked)
}

func (t *Thread) block(ctx context.Context, blocked chan struct{}) error {
	select {
	case <-blocked:
	case <-ctx.Done():
		t.mu.Lock()
		if t.blocked == blocked {
			t.blocked = nil
			if t.state != Dead {
				t.state = Running
			}
		}
		t.mu.Unlock()
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead {
		return ErrDead
	}
	return nil
}

// Resume unblocks a faulted or paused thread. It reports whether the
// thread was blocked; resuming a running thread has no effect.
func (t *Thread) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Faulted && t.state != Paused {
		return false
	}
	t.state = Running
	t.unblock()
	return true
}

// Recall asks a running thread to pause at its next access. A thread that
// is already blocked is unaffected.
func (t *Thread) Recall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Running {
		t.recall = true
	}
}

// Kill marks the thread dead and unblocks it.
func (t *Thread) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Dead
	t.unblock()
}

func (t *Thread) unblock() {
	if t.blocked != nil {
		close(t.blocked)
		t.blocked = nil
	}
}
