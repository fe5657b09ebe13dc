// Package capid issues the small integer ids that become capability badges.
//
// The id range is bounded by the badge layout: with BadgeBits wire bits and
// FlagBits reserved for protocol flags, ids run from 1 to
// 2^(BadgeBits-FlagBits)-1. Id 0 is never handed out so that a zero badge
// always means "no object". The free map holds one bit per id and is
// allocated in New; capability.MaxIDBits bounds its size.
package capid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
)

// ErrOutOfIDs is returned when every id of the range is allocated. Callers
// treat it as a failure of the operation that needed the id, not as a
// retryable condition.
var ErrOutOfIDs = errors.New("out of capability ids")

// Allocator hands out ids from a bounded range.
type Allocator struct {
	layout  capability.Layout
	metrics *monitoring.Metrics

	mu     sync.Mutex
	used   *bitset.BitSet
	cursor uint
	inUse  int
}

// New creates an allocator for the given badge layout.
func New(layout capability.Layout) (*Allocator, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	size := uint(layout.MaxID()) + 1
	used := bitset.New(size)
	used.Set(0)

	return &Allocator{
		layout: layout,
		used:   used,
		cursor: 1,
	}, nil
}

// WithMetrics attaches a metrics collector
func (a *Allocator) WithMetrics(m *monitoring.Metrics) *Allocator {
	a.metrics = m
	return a
}

// Layout returns the badge layout the range was derived from.
func (a *Allocator) Layout() capability.Layout { return a.layout }

// NumMax returns the number of ids the allocator can hand out at once.
func (a *Allocator) NumMax() int { return int(a.layout.MaxID()) }

// InUse returns the number of currently allocated ids.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Alloc returns a fresh id. Search is next-fit from the last allocation so
// that recently freed ids are reused as late as possible.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.nextFree(a.cursor)
	if !ok {
		id, ok = a.nextFree(1)
	}
	if !ok {
		a.metrics.IncCapIDExhaustion()
		return 0, fmt.Errorf("%w: all %d ids allocated", ErrOutOfIDs, a.NumMax())
	}

	a.used.Set(id)
	a.inUse++
	a.cursor = id + 1
	a.metrics.SetCapIDsInUse(a.inUse)
	return uint32(id), nil
}

// Free returns id to the range. Freeing an id that is not allocated is a
// caller bug and panics.
func (a *Allocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == 0 || id > a.layout.MaxID() || !a.used.Test(uint(id)) {
		panic(fmt.Sprintf("capid: free of unallocated id %d", id))
	}
	a.used.Clear(uint(id))
	a.inUse--
	a.metrics.SetCapIDsInUse(a.inUse)
}

// AllocBadge allocates an id and encodes it with flag.
func (a *Allocator) AllocBadge(flag capability.Flag) (capability.Badge, error) {
	id, err := a.Alloc()
	if err != nil {
		return 0, err
	}
	badge, err := a.layout.Encode(id, flag)
	if err != nil {
		a.Free(id)
		return 0, err
	}
	return badge, nil
}

// FreeBadge releases the id carried by badge.
func (a *Allocator) FreeBadge(badge capability.Badge) {
	a.Free(a.layout.ID(badge))
}

func (a *Allocator) nextFree(from uint) (uint, bool) {
	if from > uint(a.layout.MaxID()) {
		return 0, false
	}
	id, ok := a.used.NextClear(from)
	if !ok || id == 0 || id > uint(a.layout.MaxID()) {
		return 0, false
	}
	return id, true
}
