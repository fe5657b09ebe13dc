package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrBudgetExhausted reports that no restart is granted
var ErrBudgetExhausted = errors.New("restart budget exhausted")

// State represents the budget state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a restart budget
type Settings struct {
	// MaxRestarts is the number of restarts granted per Interval
	MaxRestarts uint32
	// Interval is the window in which restarts are counted
	Interval time.Duration
	// Cooldown is how long an exhausted budget stays open
	Cooldown time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Counts holds the statistics of the current window
type Counts struct {
	Charges      uint32
	Restarts     uint32
	Refusals     uint32
	TotalCharges uint64
}

// Budget counts restarts of one protection domain
type Budget struct {
	name     string
	settings Settings

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	trial  bool
}

// New creates a budget with the given settings
func New(name string, settings Settings) *Budget {
	if settings.MaxRestarts == 0 {
		settings.MaxRestarts = 3
	}
	if settings.Interval == 0 {
		settings.Interval = time.Minute
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 5 * time.Minute
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Budget{
		name:     name,
		settings: settings,
		state:    StateClosed,
		expiry:   settings.Now().Add(settings.Interval),
	}
}

// Name returns the budget name
func (b *Budget) Name() string {
	return b.name
}

// State returns the current state
func (b *Budget) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.settings.Now())
}

// Counts returns a copy of the counts of the current window
func (b *Budget) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Charge records one failure. It returns nil when a restart is granted and
// ErrBudgetExhausted when the domain should be killed.
func (b *Budget) Charge() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	state := b.currentState(now)
	b.counts.Charges++
	b.counts.TotalCharges++

	switch state {
	case StateOpen:
		b.counts.Refusals++
		return ErrBudgetExhausted

	case StateHalfOpen:
		if b.trial {
			b.setState(StateOpen, now)
			b.counts.Refusals++
			return ErrBudgetExhausted
		}
		b.trial = true
		b.counts.Restarts++
		// the trial proves itself by surviving one interval
		b.expiry = now.Add(b.settings.Interval)
		return nil

	default:
		if b.counts.Restarts >= b.settings.MaxRestarts {
			b.setState(StateOpen, now)
			b.counts.Refusals++
			return ErrBudgetExhausted
		}
		b.counts.Restarts++
		return nil
	}
}

// Reset closes the budget and clears the counts
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.settings.Now())
	b.resetCounts()
}

// currentState advances time-based transitions
func (b *Budget) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.resetCounts()
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	case StateHalfOpen:
		if b.trial && b.expiry.Before(now) {
			b.setState(StateClosed, now)
		}
	}
	return b.state
}

// setState changes the state
func (b *Budget) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.trial = false
	total := b.counts.TotalCharges
	b.resetCounts()
	b.counts.TotalCharges = total

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.expiry = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

// resetCounts clears the window counts
func (b *Budget) resetCounts() {
	total := b.counts.TotalCharges
	b.counts = Counts{TotalCharges: total}
}
