package pager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capid"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/signal"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
)

const pageSize = 4096

type recorder struct {
	mu     sync.Mutex
	faults []thread.Fault
	causes []error
	seen   chan struct{}
}

func newRecorder() *recorder { return &recorder{seen: make(chan struct{}, 8)} }

func (r *recorder) UnresolvedFault(_ *Object, f thread.Fault, cause error) {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func newPager(t *testing.T) (*Entrypoint, *capid.Allocator, *recorder) {
	t.Helper()
	alloc, err := capid.New(capability.DefaultLayout)
	require.NoError(t, err)
	rec := newRecorder()
	ep := NewEntrypoint(Config{Name: "test"}, alloc, nil).WithReporter(rec)
	t.Cleanup(func() { _ = ep.Close() })
	return ep, alloc, rec
}

func newReceiver(t *testing.T) *signal.Receiver {
	t.Helper()
	r := signal.NewReceiver(nil)
	t.Cleanup(r.Destroy)
	return r
}

func access(th *thread.Thread, addr uint64, a mmu.Access) chan error {
	done := make(chan error, 1)
	go func() {
		_, err := th.Access(context.Background(), addr, a)
		done <- err
	}()
	return done
}

func TestFaultRoundTrip(t *testing.T) {
	ep, _, _ := newPager(t)

	rm := NewRegionMap(pageSize)
	require.NoError(t, rm.Attach(0x10000, 4*pageSize, 0x800000, true))

	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, rm)
	ref, err := ep.Manage(obj)
	require.NoError(t, err)
	assert.Equal(t, capability.FlagPager, capability.DefaultLayout.Flag(ref.Badge()))
	assert.True(t, obj.Capability().Equal(ref))

	phys, err := th.Access(context.Background(), 0x11008, mmu.Write)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x801008), phys)

	// same page again: no second fault
	_, err = th.Access(context.Background(), 0x11ff0, mmu.Read)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), th.Faults())
	assert.False(t, obj.Unresolved())

	_, pending := obj.Fault()
	assert.False(t, pending)
}

func TestUnresolvableFaultIsReported(t *testing.T) {
	ep, alloc, rec := newPager(t)

	rm := NewRegionMap(pageSize)
	require.NoError(t, rm.Attach(0x10000, pageSize, 0x800000, false))

	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, rm)
	_, err := ep.Manage(obj)
	require.NoError(t, err)

	done := access(th, 0x10000, mmu.Write)
	select {
	case <-rec.seen:
	case <-time.After(time.Second):
		t.Fatal("unresolved fault not reported")
	}

	assert.True(t, obj.Unresolved())
	assert.Equal(t, thread.Faulted, th.State())
	rec.mu.Lock()
	assert.ErrorIs(t, rec.causes[0], ErrUnresolvable)
	assert.Equal(t, uint64(0x10000), rec.faults[0].Addr)
	rec.mu.Unlock()

	// no retry: waking up again is a no-op without a new fault
	assert.ErrorIs(t, obj.WakeUp(), ErrNoFault)

	// dissolving the pager cleans up the blocked thread
	require.NoError(t, ep.Dissolve(obj))
	assert.ErrorIs(t, <-done, thread.ErrDead)
	assert.Equal(t, 0, alloc.InUse())
}

func TestDeferredFaultWaitsForRegion(t *testing.T) {
	ep, _, _ := newPager(t)

	rm := NewRegionMap(pageSize)
	require.NoError(t, rm.Reserve(0x20000, 2*pageSize, true))

	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, rm)

	rcv := newReceiver(t)
	handler := signal.NewContext(0xfa)
	_, err := rcv.Manage(handler)
	require.NoError(t, err)
	obj.SetFaultHandler(handler)

	_, err = ep.Manage(obj)
	require.NoError(t, err)

	done := access(th, 0x21010, mmu.Read)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, err := rcv.WaitForSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfa), sig.Imprint)
	assert.Equal(t, thread.Faulted, th.State())

	require.NoError(t, rm.Back(0x20000, 0x900000))
	require.NoError(t, obj.Reresolve())

	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), th.Faults())
	assert.False(t, obj.Unresolved())
}

func TestDeferredWithoutHandlerIsUnresolved(t *testing.T) {
	ep, _, rec := newPager(t)

	rm := NewRegionMap(pageSize)
	require.NoError(t, rm.Reserve(0x20000, pageSize, true))
	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, rm)
	_, err := ep.Manage(obj)
	require.NoError(t, err)

	access(th, 0x20000, mmu.Read)
	<-rec.seen
	assert.True(t, obj.Unresolved())
}

func TestOneNotePerFault(t *testing.T) {
	ep, _, _ := newPager(t)

	var calls atomic.Int32
	release := make(chan struct{})
	resolver := ResolverFunc(func(f thread.Fault) (Resolution, error) {
		calls.Add(1)
		<-release
		return Resolution{Phys: 0x700000, Virt: f.Addr &^ (pageSize - 1), Pages: 1}, nil
	})

	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, resolver)
	_, err := ep.Manage(obj)
	require.NoError(t, err)

	done := access(th, 0x5000, mmu.Read)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, obj.WakeUp())
	}
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWakeUpRequiresManagement(t *testing.T) {
	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, NewRegionMap(pageSize))
	assert.ErrorIs(t, obj.WakeUp(), ErrNotManaged)
	assert.False(t, obj.Capability().Valid())

	ep, _, _ := newPager(t)
	_, err := ep.Manage(obj)
	require.NoError(t, err)
	require.NoError(t, ep.Dissolve(obj))
	assert.ErrorIs(t, obj.WakeUp(), ErrNotManaged)
	assert.ErrorIs(t, ep.Dissolve(obj), ErrNotManaged)
}

func TestManageTwiceAndForeign(t *testing.T) {
	a, alloc, _ := newPager(t)
	b, _, _ := newPager(t)

	obj := NewObject(thread.New("main", "init", mmu.NewSpace(pageSize)), NewRegionMap(pageSize))
	first, err := a.Manage(obj)
	require.NoError(t, err)
	second, err := a.Manage(obj)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Equal(t, 1, alloc.InUse())

	_, err = b.Manage(obj)
	assert.ErrorIs(t, err, ErrForeignObject)
}

func TestConcurrentManageSharesCapability(t *testing.T) {
	for round := 0; round < 50; round++ {
		ep, alloc, _ := newPager(t)
		obj := NewObject(thread.New("main", "init", mmu.NewSpace(pageSize)), NewRegionMap(pageSize))

		const callers = 8
		refs := make([]capability.Capability, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				refs[i], errs[i] = ep.Manage(obj)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i], "round %d caller %d", round, i)
			assert.True(t, refs[0].Equal(refs[i]))
		}
		assert.Equal(t, 1, alloc.InUse())
		assert.Equal(t, 1, ep.Managed())
		require.NoError(t, ep.Dissolve(obj))
	}
}

func TestRecall(t *testing.T) {
	ep, _, _ := newPager(t)
	rm := NewRegionMap(pageSize)
	require.NoError(t, rm.Attach(0, pageSize, 0x100000, true))

	th := thread.New("main", "init", mmu.NewSpace(pageSize))
	obj := NewObject(th, rm)
	_, err := ep.Manage(obj)
	require.NoError(t, err)

	obj.Recall()
	done := access(th, 0x10, mmu.Read)
	require.Eventually(t, func() bool { return th.State() == thread.Paused }, time.Second, time.Millisecond)
	th.Resume()
	require.NoError(t, <-done)
}

func TestClosedEntrypoint(t *testing.T) {
	ep, _, _ := newPager(t)
	require.NoError(t, ep.Close())
	_, err := ep.Manage(NewObject(thread.New("t", "pd", mmu.NewSpace(pageSize)), NewRegionMap(pageSize)))
	assert.ErrorIs(t, err, ErrEntrypointClosed)
}

func TestRegionMap(t *testing.T) {
	rm := NewRegionMap(pageSize)
	require.NoError(t, rm.Attach(0x10000, 2*pageSize, 0x500000, false))
	assert.ErrorIs(t, rm.Attach(0x11000, pageSize, 0, true), ErrRegionConflict)
	assert.ErrorIs(t, rm.Reserve(0x30001, pageSize, true), ErrRegionConflict)

	res, err := rm.Resolve(thread.Fault{Addr: 0x11234, Access: mmu.Exec})
	require.NoError(t, err)
	assert.Equal(t, Resolution{Phys: 0x501000, Virt: 0x11000, Pages: 1}, res)

	_, err = rm.Resolve(thread.Fault{Addr: 0x12000})
	assert.ErrorIs(t, err, ErrUnresolvable)
	_, err = rm.Resolve(thread.Fault{Addr: 0x10000, Access: mmu.Write})
	assert.ErrorIs(t, err, ErrUnresolvable)

	require.NoError(t, rm.Detach(0x10000))
	assert.ErrorIs(t, rm.Detach(0x10000), ErrRegionUnknown)
	assert.ErrorIs(t, rm.Back(0x10000, 0), ErrRegionUnknown)
}
