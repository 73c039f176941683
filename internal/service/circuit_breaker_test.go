package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock shared by the service tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func breakerConfig() domain.CircuitBreakerConfig {
	return domain.CircuitBreakerConfig{
		Enabled:        true,
		WindowSize:     4,
		MinimumSamples: 4,
		FailureRatio:   0.5,
		Cooldown:       10 * time.Second,
	}
}

func recordOutcome(t *testing.T, cb *CircuitBreaker, outcome domain.Outcome) {
	t.Helper()
	permit, verdict := cb.Acquire()
	require.Equal(t, domain.VerdictAllow, verdict)
	cb.Record(permit, outcome)
}

// TestCircuitBreakerOpensAtThreshold reproduces the 50% over 4 calls case
func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	set := NewBreakerSet(breakerConfig(), nil, WithBreakerClock(clock.Now))
	cb := set.Get("menu")

	for i := 0; i < 3; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
		assert.Equal(t, domain.StateClosed, cb.State(), "below minimum samples after %d calls", i+1)
	}

	recordOutcome(t, cb, domain.OutcomeFailure)
	assert.Equal(t, domain.StateOpen, cb.State(), "breaker opens on the 4th failure")

	_, verdict := cb.Acquire()
	assert.Equal(t, domain.VerdictShortCircuit, verdict, "next call is short-circuited")
}

// TestCircuitBreakerRatioIsInclusive checks that exactly the ratio trips the breaker
func TestCircuitBreakerRatioIsInclusive(t *testing.T) {
	t.Parallel()

	cb := NewBreakerSet(breakerConfig(), nil).Get("menu")

	recordOutcome(t, cb, domain.OutcomeSuccess)
	recordOutcome(t, cb, domain.OutcomeFailure)
	recordOutcome(t, cb, domain.OutcomeSuccess)
	assert.Equal(t, domain.StateClosed, cb.State())

	recordOutcome(t, cb, domain.OutcomeTimeout)
	assert.Equal(t, domain.StateOpen, cb.State(), "2 of 4 is exactly 50%")
}

// TestCircuitBreakerWindowSlides checks that old outcomes leave the window
func TestCircuitBreakerWindowSlides(t *testing.T) {
	t.Parallel()

	cfg := breakerConfig()
	cfg.MinimumSamples = 2
	cb := NewBreakerSet(cfg, nil).Get("menu")

	recordOutcome(t, cb, domain.OutcomeSuccess)
	recordOutcome(t, cb, domain.OutcomeSuccess)
	recordOutcome(t, cb, domain.OutcomeSuccess)
	recordOutcome(t, cb, domain.OutcomeSuccess)
	recordOutcome(t, cb, domain.OutcomeFailure)

	snap := cb.Snapshot()
	assert.Equal(t, 4, snap.Samples, "window holds the last four outcomes")
	assert.Equal(t, 1, snap.Failures)
	assert.Equal(t, domain.StateClosed, cb.State())

	recordOutcome(t, cb, domain.OutcomeFailure)
	assert.Equal(t, domain.StateOpen, cb.State())
}

// TestCircuitBreakerHalfOpenProbe covers cooldown, probe success and probe failure
func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	cb := NewBreakerSet(breakerConfig(), nil, WithBreakerClock(clock.Now)).Get("menu")
	for i := 0; i < 4; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
	}
	require.Equal(t, domain.StateOpen, cb.State())

	clock.Advance(9 * time.Second)
	_, verdict := cb.Acquire()
	assert.Equal(t, domain.VerdictShortCircuit, verdict, "cooldown not yet elapsed")

	clock.Advance(time.Second)
	probe, verdict := cb.Acquire()
	require.Equal(t, domain.VerdictAllow, verdict)
	assert.True(t, probe.Probe())
	assert.Equal(t, domain.StateHalfOpen, cb.State())

	cb.Record(probe, domain.OutcomeFailure)
	assert.Equal(t, domain.StateOpen, cb.State(), "failed probe reopens")

	_, verdict = cb.Acquire()
	assert.Equal(t, domain.VerdictShortCircuit, verdict, "cooldown restarts after a failed probe")

	clock.Advance(10 * time.Second)
	probe, verdict = cb.Acquire()
	require.Equal(t, domain.VerdictAllow, verdict)
	cb.Record(probe, domain.OutcomeSuccess)
	assert.Equal(t, domain.StateClosed, cb.State(), "successful probe closes")
	assert.Equal(t, 0, cb.Snapshot().Samples, "closing starts an empty window")
}

// TestCircuitBreakerSingleProbeUnderConcurrency checks that only one caller probes
func TestCircuitBreakerSingleProbeUnderConcurrency(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	cb := NewBreakerSet(breakerConfig(), nil, WithBreakerClock(clock.Now)).Get("menu")
	for i := 0; i < 4; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
	}
	clock.Advance(11 * time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, verdict := cb.Acquire(); verdict == domain.VerdictAllow {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load(), "exactly one probe is admitted")
	assert.True(t, cb.Snapshot().ProbeInFlight)
}

// TestCircuitBreakerAbandonedProbe checks that an abandoned probe frees the slot
func TestCircuitBreakerAbandonedProbe(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	cb := NewBreakerSet(breakerConfig(), nil, WithBreakerClock(clock.Now)).Get("menu")
	for i := 0; i < 4; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
	}
	clock.Advance(11 * time.Second)

	probe, verdict := cb.Acquire()
	require.Equal(t, domain.VerdictAllow, verdict)
	cb.Record(probe, domain.OutcomeAbandoned)
	assert.Equal(t, domain.StateHalfOpen, cb.State())

	next, verdict := cb.Acquire()
	require.Equal(t, domain.VerdictAllow, verdict, "a new probe may go after abandonment")
	assert.True(t, next.Probe())
}

// TestCircuitBreakerIgnoresStaleOutcomes checks outcomes from an earlier generation
func TestCircuitBreakerIgnoresStaleOutcomes(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	cb := NewBreakerSet(breakerConfig(), nil, WithBreakerClock(clock.Now)).Get("menu")

	slow, verdict := cb.Acquire()
	require.Equal(t, domain.VerdictAllow, verdict)

	for i := 0; i < 4; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
	}
	require.Equal(t, domain.StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	probe, _ := cb.Acquire()
	require.True(t, probe.Probe())

	cb.Record(slow, domain.OutcomeSuccess)
	assert.Equal(t, domain.StateHalfOpen, cb.State(), "a request admitted while closed cannot close the breaker")

	cb.Record(probe, domain.OutcomeSuccess)
	assert.Equal(t, domain.StateClosed, cb.State())

	cb.Record(slow, domain.OutcomeFailure)
	assert.Equal(t, 0, cb.Snapshot().Failures, "stale failures do not enter the new window")
}

// TestCircuitBreakerDisabledAlwaysAllows checks the enabled switch
func TestCircuitBreakerDisabledAlwaysAllows(t *testing.T) {
	t.Parallel()

	cfg := breakerConfig()
	cfg.Enabled = false
	cb := NewBreakerSet(cfg, nil).Get("menu")

	for i := 0; i < 10; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
	}
	assert.Equal(t, domain.StateClosed, cb.State())
}

// TestBreakerSetTransitionsAndReset covers hooks, Reset and Snapshot ordering
func TestBreakerSetTransitionsAndReset(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	set := NewBreakerSet(breakerConfig(), nil, WithTransitionHook(func(route string, from, to domain.CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, route+":"+from.String()+"->"+to.String())
	}))

	cb := set.Get("orders")
	set.Get("menu")
	assert.Same(t, cb, set.Get("orders"), "Get returns the same breaker")

	for i := 0; i < 4; i++ {
		recordOutcome(t, cb, domain.OutcomeFailure)
	}
	cb.Reset()

	mu.Lock()
	assert.Equal(t, []string{"orders:closed->open", "orders:open->closed"}, transitions)
	mu.Unlock()

	snaps := set.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "menu", snaps[0].Route)
	assert.Equal(t, "orders", snaps[1].Route)
	assert.Equal(t, "closed", snaps[1].State)

	_, ok := set.Lookup("billing")
	assert.False(t, ok, "Lookup does not create breakers")
}

// TestBreakerSetReconfigure checks new thresholds reach existing breakers
func TestBreakerSetReconfigure(t *testing.T) {
	t.Parallel()

	set := NewBreakerSet(breakerConfig(), nil)
	cb := set.Get("menu")

	cfg := breakerConfig()
	cfg.WindowSize = 2
	cfg.MinimumSamples = 2
	set.Reconfigure(cfg)
	assert.Equal(t, cfg, set.Config())

	recordOutcome(t, cb, domain.OutcomeFailure)
	recordOutcome(t, cb, domain.OutcomeFailure)
	assert.Equal(t, domain.StateOpen, cb.State())
}
