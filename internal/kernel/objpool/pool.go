// Package objpool maps badges to the objects an entrypoint serves.
//
// Lookups happen on every dispatch and must not race with removal: an entry
// that is being applied holds an in-flight reference, and Remove waits until
// all references are dropped before returning. Once Remove returns the badge
// may be recycled safely.
package objpool

import (
	"errors"
	"sync"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
)

var (
	ErrExists   = errors.New("badge already in pool")
	ErrNotFound = errors.New("badge not in pool")
)

type entry[T any] struct {
	obj      T
	inflight int
	removing bool
	drained  chan struct{}
}

// Pool is a badge-keyed object table safe for concurrent use.
type Pool[T comparable] struct {
	mu      sync.Mutex
	byBadge map[capability.Badge]*entry[T]
	byObj   map[T]capability.Badge
}

// New creates an empty pool.
func New[T comparable]() *Pool[T] {
	return &Pool[T]{
		byBadge: make(map[capability.Badge]*entry[T]),
		byObj:   make(map[T]capability.Badge),
	}
}

// Insert adds obj under badge.
func (p *Pool[T]) Insert(badge capability.Badge, obj T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byBadge[badge]; ok {
		return ErrExists
	}
	if _, ok := p.byObj[obj]; ok {
		return ErrExists
	}
	p.byBadge[badge] = &entry[T]{obj: obj}
	p.byObj[obj] = badge
	return nil
}

// BadgeOf returns the badge obj was inserted under.
func (p *Pool[T]) BadgeOf(obj T) (capability.Badge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byObj[obj]
	return b, ok
}

// Apply runs fn on the object stored under badge while holding an in-flight
// reference. It returns false if no live entry exists. fn runs without the
// pool lock, so it may block or call back into the pool.
func (p *Pool[T]) Apply(badge capability.Badge, fn func(T)) bool {
	p.mu.Lock()
	e, ok := p.byBadge[badge]
	if !ok || e.removing {
		p.mu.Unlock()
		return false
	}
	e.inflight++
	p.mu.Unlock()

	defer p.release(e)
	fn(e.obj)
	return true
}

func (p *Pool[T]) release(e *entry[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.inflight--
	if e.inflight == 0 && e.drained != nil {
		close(e.drained)
		e.drained = nil
	}
}

// Remove takes obj out of the pool and waits for in-flight Apply calls on it
// to finish. It returns the badge the object was stored under.
//
// Calling Remove from inside Apply on the same object deadlocks.
func (p *Pool[T]) Remove(obj T) (capability.Badge, error) {
	p.mu.Lock()
	badge, ok := p.byObj[obj]
	if !ok {
		p.mu.Unlock()
		return 0, ErrNotFound
	}
	e := p.byBadge[badge]
	e.removing = true
	var wait chan struct{}
	if e.inflight > 0 {
		wait = make(chan struct{})
		e.drained = wait
	}
	delete(p.byObj, obj)
	p.mu.Unlock()

	if wait != nil {
		<-wait
	}

	p.mu.Lock()
	delete(p.byBadge, badge)
	p.mu.Unlock()
	return badge, nil
}

// Len returns the number of live entries.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byObj)
}

// Objects returns a snapshot of the live objects.
func (p *Pool[T]) Objects() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, 0, len(p.byObj))
	for obj := range p.byObj {
		out = append(out, obj)
	}
	return out
}
