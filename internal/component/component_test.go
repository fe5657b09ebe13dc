package component

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/msgbuf"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/pager"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/rpc"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/signal"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/supervisor"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
)

const pageSize = 4096

var errOdd = errors.New("odd input")

var doublerIface = rpc.Declare("Doubler", rpc.Fn("double", errOdd))

func newDoubler() rpc.Object {
	return rpc.NewDispatcher(doublerIface).
		Handle("double", func(in, out *msgbuf.Buffer) error {
			var n int
			if err := in.Extract(&n); err != nil {
				return err
			}
			if n%2 != 0 {
				return errOdd
			}
			return out.Insert(2 * n)
		})
}

func newComponent(t *testing.T, mutate func(*config.Config)) *Component {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New("test", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.CapID.FlagBits = cfg.CapID.BadgeBits

	_, err := New("bad", cfg, nil)
	assert.Error(t, err)
}

func TestServeAndCall(t *testing.T) {
	c := newComponent(t, nil)
	c.Start()

	ref, err := c.Serve(newDoubler())
	require.NoError(t, err)

	client := rpc.NewClient(ref, doublerIface)
	var out int
	require.NoError(t, client.Invoke(context.Background(), "double", &out, 21*2))
	assert.Equal(t, 84, out)
	assert.ErrorIs(t, client.Invoke(context.Background(), "double", &out, 3), errOdd)

	stats := c.Stats()
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, 1, stats.RPCObjects)
	assert.Equal(t, 1, stats.CapIDsInUse)
	assert.Equal(t, int64(2), stats.Counters.Dispatches)

	families, err := c.Gatherer().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "capcore_rpc_dispatches_total")

	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Allocator().InUse())
	assert.ErrorIs(t, client.Invoke(context.Background(), "double", &out, 2), rpc.ErrEntrypointClosed)
}

func TestLaunchResolvesFaults(t *testing.T) {
	c := newComponent(t, nil)

	rm := pager.NewRegionMap(pageSize)
	require.NoError(t, rm.Attach(0x10000, 4*pageSize, 0x900000, true))

	tasks, err := c.Launch(Domain{Name: "init", Threads: []string{"main", "worker"}, Resolver: rm})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, []string{"init"}, c.Domains())

	for i, task := range tasks {
		assert.True(t, task.Cap.Valid())
		phys, err := task.Thread.Access(context.Background(), 0x10000+uint64(i)*pageSize+8, mmu.Write)
		require.NoError(t, err)
		assert.Equal(t, 0x900000+uint64(i)*pageSize+8, phys)
	}

	stats := c.Stats()
	assert.Equal(t, 2, stats.Threads)
	assert.Equal(t, 2, stats.PagerObjects)
	assert.Equal(t, int64(2), stats.Counters.FaultsResolved)
}

func TestLaunchErrors(t *testing.T) {
	c := newComponent(t, nil)
	rm := pager.NewRegionMap(pageSize)

	_, err := c.Launch(Domain{Name: "empty", Resolver: rm})
	assert.ErrorIs(t, err, ErrEmptyDomain)

	_, err = c.Launch(Domain{Name: "pd", Threads: []string{"a"}, Resolver: rm})
	require.NoError(t, err)
	_, err = c.Launch(Domain{Name: "pd", Threads: []string{"b"}, Resolver: rm})
	assert.ErrorIs(t, err, ErrDomainExists)

	_, err = c.Tasks("missing")
	assert.ErrorIs(t, err, ErrUnknownDomain)
	assert.ErrorIs(t, c.Reap("missing"), ErrUnknownDomain)

	require.NoError(t, c.Close())
	_, err = c.Launch(Domain{Name: "late", Threads: []string{"a"}, Resolver: rm})
	assert.ErrorIs(t, err, ErrClosed)
}

func nextIncarnation(t *testing.T, started <-chan []*Task) []*Task {
	t.Helper()
	select {
	case tasks := <-started:
		return tasks
	case <-time.After(2 * time.Second):
		t.Fatal("domain was not (re)started")
		return nil
	}
}

// writeReadOnly faults on a read-only page, which no pager can resolve.
func writeReadOnly(t *testing.T, task *Task) {
	t.Helper()
	_, err := task.Thread.Access(context.Background(), 0x10000, mmu.Write)
	require.ErrorIs(t, err, thread.ErrDead)
}

func TestUnresolvedFaultRestartsThenKills(t *testing.T) {
	c := newComponent(t, func(cfg *config.Config) {
		cfg.Supervisor.MaxRestarts = 1
	})

	started := make(chan []*Task, 4)
	c.OnStart(func(pd string, tasks []*Task) {
		assert.Equal(t, "app", pd)
		started <- tasks
	})

	rm := pager.NewRegionMap(pageSize)
	require.NoError(t, rm.Attach(0x10000, pageSize, 0x100000, false))

	_, err := c.Launch(Domain{Name: "app", Threads: []string{"main"}, Resolver: rm})
	require.NoError(t, err)
	first := nextIncarnation(t, started)

	writeReadOnly(t, first[0])
	second := nextIncarnation(t, started)
	assert.NotEqual(t, first[0].Thread.ID(), second[0].Thread.ID())
	assert.Equal(t, thread.Running, second[0].Thread.State())

	// the replacement reads fine but writing again exhausts the budget
	_, err = second[0].Thread.Access(context.Background(), 0x10000, mmu.Read)
	require.NoError(t, err)
	writeReadOnly(t, second[0])

	require.Eventually(t, func() bool { return c.Stats().FaultsHandled == 2 }, time.Second, 5*time.Millisecond)
	c.Supervisor().Wait()
	select {
	case <-started:
		t.Fatal("domain restarted past its budget")
	default:
	}

	faults := c.Faults()
	require.Len(t, faults, 2)
	assert.Equal(t, supervisor.ActionRestart, faults[0].Action)
	assert.Equal(t, supervisor.ActionKill, faults[1].Action)

	// the dead incarnation still holds its pager capability until reaped
	assert.Equal(t, 1, c.Stats().PagerObjects)
	require.NoError(t, c.Reap("app"))
	stats := c.Stats()
	assert.Equal(t, 0, stats.PagerObjects)
	assert.Equal(t, 0, stats.CapIDsInUse)
	assert.Empty(t, c.Domains())
}

func TestReceiversShareAllocator(t *testing.T) {
	c := newComponent(t, nil)

	r, err := c.NewReceiver()
	require.NoError(t, err)

	ctx := signal.NewContext(7)
	ref, err := r.Manage(ctx)
	require.NoError(t, err)
	assert.True(t, ref.Valid())
	assert.Equal(t, 1, c.Allocator().InUse())
	assert.Equal(t, 1, c.Stats().Receivers)

	require.NoError(t, signal.NewTransmitter(ref).Submit(2))
	sig, err := r.WaitForSignal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sig.Imprint)
	assert.Equal(t, uint32(2), sig.Num)

	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Allocator().InUse())
	_, err = r.WaitForSignal(context.Background())
	assert.ErrorIs(t, err, signal.ErrBlockingCanceled)

	_, err = c.NewReceiver()
	assert.ErrorIs(t, err, ErrClosed)
}
