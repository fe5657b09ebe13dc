package lock

import "context"

// CPUs hands out CPU identities to goroutines entering the kernel. A CPU
// executes one kernel path at a time, so two goroutines never present the
// same identity to a Spin lock concurrently.
type CPUs struct {
	free chan CPU
}

// NewCPUs creates a set of n CPUs numbered from 0.
func NewCPUs(n int) *CPUs {
	if n < 1 {
		n = 1
	}
	c := &CPUs{free: make(chan CPU, n)}
	for i := 0; i < n; i++ {
		c.free <- CPU(i)
	}
	return c
}

// Len returns the number of CPUs.
func (c *CPUs) Len() int { return cap(c.free) }

// Enter runs fn on an idle CPU, waiting for one if all are busy.
func (c *CPUs) Enter(ctx context.Context, fn func(CPU)) error {
	var cpu CPU
	select {
	case cpu = <-c.free:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.free <- cpu }()
	fn(cpu)
	return nil
}

// Run is Enter without cancellation.
func (c *CPUs) Run(fn func(CPU)) {
	_ = c.Enter(context.Background(), fn)
}
