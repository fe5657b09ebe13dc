package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/component"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/msgbuf"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/pager"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/rpc"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/signal"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
)

// Demo address space: a writable heap and a read-only text page. Every
// tenth step a worker writes to text, which no pager can resolve, so the
// supervisor restarts the domain until its budget runs out.
const (
	heapBase  = 0x10000
	heapPages = 16
	textBase  = 0x80000
	faultStep = 10
)

var errOverflow = errors.New("counter overflow")

var counterIface = rpc.Declare("Counter",
	rpc.Fn("add", errOverflow),
	rpc.Fn("value"),
)

func newCounter(limit int64) rpc.Object {
	var (
		mu    sync.Mutex
		value int64
	)
	return rpc.NewDispatcher(counterIface).
		Handle("add", func(in, out *msgbuf.Buffer) error {
			var n int64
			if err := in.Extract(&n); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if value+n > limit {
				return errOverflow
			}
			value += n
			return out.Insert(value)
		}).
		Handle("value", func(_, out *msgbuf.Buffer) error {
			mu.Lock()
			defer mu.Unlock()
			return out.Insert(value)
		})
}

func runDemo(ctx context.Context, c *component.Component, logger *zap.Logger) error {
	ref, err := c.Serve(newCounter(1 << 20))
	if err != nil {
		return err
	}
	counter := rpc.NewClient(ref, counterIface)

	r, err := c.NewReceiver()
	if err != nil {
		return err
	}
	tick := signal.NewContext(0x7ec)
	tickRef, err := r.Manage(tick)
	if err != nil {
		return err
	}
	ticker := signal.NewTransmitter(tickRef)

	pageSize := c.Config().Pager.PageSize
	regions := pager.NewRegionMap(pageSize)
	if err := regions.Attach(heapBase, heapPages*pageSize, 0x400000, true); err != nil {
		return err
	}
	if err := regions.Attach(textBase, pageSize, 0x500000, false); err != nil {
		return err
	}

	var (
		workers sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)
	// restarts run on supervisor goroutines and may race with shutdown
	c.OnStart(func(pd string, tasks []*component.Task) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		for _, task := range tasks {
			workers.Add(1)
			go func(t *thread.Thread) {
				defer workers.Done()
				work(ctx, t, pageSize, logger)
			}(task.Thread)
		}
	})
	if _, err := c.Launch(component.Domain{
		Name:     "demo",
		Threads:  []string{"main", "worker"},
		Resolver: regions,
	}); err != nil {
		return err
	}

	workers.Add(1)
	go func() {
		defer workers.Done()
		for {
			sig, err := r.WaitForSignal(ctx)
			if err != nil {
				return
			}
			var total int64
			if err := counter.Invoke(ctx, "add", &total, int64(sig.Num)); err != nil {
				logger.Warn("counter call failed", zap.Error(err))
				continue
			}
			logger.Debug("tick", zap.Uint32("num", sig.Num), zap.Int64("total", total))
		}
	}()

	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// the receiver and threads die with the component
			_ = r.Dissolve(tick)
			mu.Lock()
			stopped = true
			mu.Unlock()
			workers.Wait()
			return nil
		case <-t.C:
			if err := ticker.Submit(1); err != nil {
				logger.Warn("tick failed", zap.Error(err))
			}
		}
	}
}

// work touches the heap page by page and periodically faults on text.
func work(ctx context.Context, t *thread.Thread, pageSize uint64, logger *zap.Logger) {
	for step := uint64(1); ; step++ {
		addr := heapBase + (step%heapPages)*pageSize
		if step%faultStep == 0 {
			addr = textBase
		}
		t.SetIP(step)
		if _, err := t.Access(ctx, addr, mmu.Write); err != nil {
			logger.Info("worker stopped",
				zap.String("thread", t.Name()),
				zap.Uint32("tid", uint32(t.ID())),
				zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
