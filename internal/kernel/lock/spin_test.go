package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSpinMutualExclusion(t *testing.T) {
	s := NewSpin(ReentryFault, nil)

	const cpus = 8
	const increments = 2000
	counter := 0

	var wg sync.WaitGroup
	for c := 0; c < cpus; c++ {
		wg.Add(1)
		go func(cpu CPU) {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				s.Lock(cpu)
				counter++
				s.Unlock(cpu)
			}
		}(CPU(c))
	}
	wg.Wait()

	assert.Equal(t, cpus*increments, counter)
	assert.Equal(t, NoCPU, s.Owner())
}

func TestSpinRecordsOwner(t *testing.T) {
	s := NewSpin(ReentryFault, nil)
	s.Lock(3)
	assert.Equal(t, CPU(3), s.Owner())
	assert.False(t, s.TryLock(1))
	s.Unlock(3)
	assert.Equal(t, NoCPU, s.Owner())
	assert.True(t, s.TryLock(1))
	assert.Equal(t, CPU(1), s.Owner())
}

func TestSpinReentryFaultPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := NewSpin(ReentryFault, zap.New(core))

	s.Lock(0)
	assert.PanicsWithError(t, "kernel lock re-entered by holding cpu: cpu 0", func() { s.Lock(0) })
	assert.Equal(t, 1, logs.FilterMessage("cpu re-entered kernel lock").Len())
	s.Unlock(0)
}

func TestSpinReentryWarnLogsAndWaits(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := NewSpin(ReentryWarn, zap.New(core))

	s.Lock(2)
	reacquired := make(chan struct{})
	go func() {
		s.Lock(2)
		close(reacquired)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("cpu re-entered kernel lock").Len() == 1
	}, time.Second, time.Millisecond)

	select {
	case <-reacquired:
		t.Fatal("re-entrant acquire must not succeed while held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Unlock(2)
	select {
	case <-reacquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by unlock")
	}
	s.Unlock(2)
}

func TestSpinForeignUnlockLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := NewSpin(ReentryFault, zap.New(core))

	s.Lock(1)
	s.Unlock(4)
	assert.Equal(t, 1, logs.FilterMessage("kernel lock released by foreign cpu").Len())
}

func TestSpinGuard(t *testing.T) {
	s := NewSpin(ReentryFault, nil)
	ran := false
	s.Guard(5, func() {
		ran = true
		assert.Equal(t, CPU(5), s.Owner())
	})
	assert.True(t, ran)
	assert.Equal(t, NoCPU, s.Owner())
}

func TestParseReentryPolicy(t *testing.T) {
	p, err := ParseReentryPolicy("warn")
	require.NoError(t, err)
	assert.Equal(t, ReentryWarn, p)

	p, err = ParseReentryPolicy("fault")
	require.NoError(t, err)
	assert.Equal(t, ReentryFault, p)
	assert.Equal(t, "fault", p.String())

	_, err = ParseReentryPolicy("ignore")
	assert.Error(t, err)
}
