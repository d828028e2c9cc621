package circuit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowscope/internal/snowerr"
)

var errConn = snowerr.New(snowerr.CategoryConnection, "boom")

func connExpected(err error) bool {
	return snowerr.CategoryOf(err) == snowerr.CategoryConnection
}

func newBreaker(threshold int, recovery time.Duration) *Breaker {
	return New(Settings{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		IsExpected:       connExpected,
	})
}

func TestPassThroughWhenClosed(t *testing.T) {
	b := newBreaker(2, time.Minute)
	got, err := b.Execute(func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, StateClosed, b.Status().State)
}

func TestOpensAfterThreshold(t *testing.T) {
	b := newBreaker(2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, errConn })
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.Status().State)

	// Fail fast without invoking the backend.
	called := false
	_, err := b.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called)

	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryConnection, se.Category)
	assert.Equal(t, "open", se.Data["circuit_state"])
}

func TestUnexpectedErrorsDoNotTrip(t *testing.T) {
	b := newBreaker(1, time.Minute)

	unexpected := errors.New("sql compilation error")
	_, err := b.Execute(func() (interface{}, error) { return nil, unexpected })
	require.ErrorIs(t, err, unexpected)
	assert.Equal(t, StateClosed, b.Status().State)

	// Still closed: the next call reaches the backend.
	called := false
	b.Execute(func() (interface{}, error) { called = true; return nil, nil })
	assert.True(t, called)
}

func TestHalfOpenAdmitsOneProbeAndCloses(t *testing.T) {
	b := newBreaker(1, 30*time.Millisecond)

	_, _ = b.Execute(func() (interface{}, error) { return nil, errConn })
	require.Equal(t, StateOpen, b.Status().State)

	time.Sleep(40 * time.Millisecond)

	// Probe succeeds; breaker closes.
	got, err := b.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, StateClosed, b.Status().State)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := newBreaker(1, 30*time.Millisecond)

	_, _ = b.Execute(func() (interface{}, error) { return nil, errConn })
	time.Sleep(40 * time.Millisecond)

	_, err := b.Execute(func() (interface{}, error) { return nil, errConn })
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.Status().State)
}

func TestHalfOpenSerializesProbes(t *testing.T) {
	b := newBreaker(1, 20*time.Millisecond)
	_, _ = b.Execute(func() (interface{}, error) { return nil, errConn })
	time.Sleep(30 * time.Millisecond)

	var admitted atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	// First caller holds the probe slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Execute(func() (interface{}, error) {
			admitted.Add(1)
			<-release
			return nil, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)

	// Concurrent callers must fail fast, not run.
	for i := 0; i < 4; i++ {
		_, err := b.Execute(func() (interface{}, error) {
			admitted.Add(1)
			return nil, nil
		})
		assert.Error(t, err)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, StateClosed, b.Status().State)
}

func TestTransitionEventsEmitted(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	b := New(Settings{
		Name:             "evt",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		IsExpected:       connExpected,
		OnTransition: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, string(from)+">"+string(to))
			mu.Unlock()
		},
	})

	_, _ = b.Execute(func() (interface{}, error) { return nil, errConn })
	time.Sleep(30 * time.Millisecond)
	_, _ = b.Execute(func() (interface{}, error) { return nil, nil })

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "closed>open")
	assert.Contains(t, transitions, "open>half_open")
	assert.Contains(t, transitions, "half_open>closed")
}

func TestStatusReportsNextProbe(t *testing.T) {
	b := newBreaker(1, time.Minute)
	_, _ = b.Execute(func() (interface{}, error) { return nil, errConn })

	st := b.Status()
	assert.Equal(t, StateOpen, st.State)
	assert.False(t, st.NextProbeAt.IsZero())
	assert.False(t, st.LastFailureAt.IsZero())
}
