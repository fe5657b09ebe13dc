package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBlockingCanceled reports that a blocking operation was aborted from
// outside before it completed.
var ErrBlockingCanceled = errors.New("blocking canceled")

// Cancelable is a binary lock whose blocking acquire can be canceled.
type Cancelable struct {
	mu       sync.Mutex
	locked   bool
	released chan struct{} // closed and replaced on every unlock
	canceled chan struct{} // closed and replaced on every Cancel
}

// NewCancelable creates an unlocked lock.
func NewCancelable() *Cancelable {
	return &Cancelable{
		released: make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

// NewLocked creates a lock in the locked state. The first Lock call blocks
// until someone calls Unlock, which makes it usable as a start barrier.
func NewLocked() *Cancelable {
	l := NewCancelable()
	l.locked = true
	return l
}

// Lock blocks until the lock is acquired. It returns ErrBlockingCanceled if
// Cancel is called while waiting or ctx ends first, the latter also
// matching ctx.Err(). The lock is not held on error.
func (l *Cancelable) Lock(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.locked {
			l.locked = true
			l.mu.Unlock()
			return nil
		}
		released, canceled := l.released, l.canceled
		l.mu.Unlock()

		select {
		case <-released:
		case <-canceled:
			return ErrBlockingCanceled
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrBlockingCanceled, ctx.Err())
		}
	}
}

// TryLock acquires the lock if it is free.
func (l *Cancelable) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	return true
}

// Unlock releases the lock and wakes all blocked acquirers; one of them wins.
func (l *Cancelable) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		panic("lock: unlock of unlocked Cancelable")
	}
	l.locked = false
	close(l.released)
	l.released = make(chan struct{})
}

// Cancel aborts every acquirer that is blocked right now. Later Lock calls
// are unaffected.
func (l *Cancelable) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.canceled)
	l.canceled = make(chan struct{})
}

// Locked reports the current state.
func (l *Cancelable) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
