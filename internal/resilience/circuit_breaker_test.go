// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	clk := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("tmdb", 3, time.Minute, WithClock(clk))

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(fail))
		assert.Equal(t, StateClosed, cb.State())
	}
	require.Error(t, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.State())

	// Open: calls fail fast without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	clk := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("tvdb", 1, 30*time.Second, WithClock(clk))

	require.Error(t, cb.Execute(fail))
	require.Equal(t, StateOpen, cb.State())

	clk.now = clk.now.Add(31 * time.Second)
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clk := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("fanart", 1, 30*time.Second, WithClock(clk))

	require.Error(t, cb.Execute(fail))
	clk.now = clk.now.Add(31 * time.Second)
	require.Error(t, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.State())

	// Reopened: immediate call refused again.
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clk := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("omdb", 1, time.Second, WithClock(clk))

	require.Error(t, cb.Execute(fail))
	clk.now = clk.now.Add(2 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// A second call while the probe is in flight is refused.
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
	close(release)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("local", 3, time.Minute)

	require.Error(t, cb.Execute(fail))
	require.Error(t, cb.Execute(fail))
	require.NoError(t, cb.Execute(succeed))
	require.Error(t, cb.Execute(fail))
	require.Error(t, cb.Execute(fail))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("d", 0, 0)
	assert.Equal(t, 5, cb.threshold)
	assert.Equal(t, 5*time.Minute, cb.resetTimeout)
}
