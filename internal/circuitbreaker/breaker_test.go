package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config, clock *fakeClock) *CircuitBreaker {
	cfg.now = clock.Now
	return New(cfg)
}

var errBoom = errors.New("dependency exploded")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

// ============================================================================
// STATE MACHINE
// ============================================================================

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "neo4j",
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}, clock)

	ctx := context.Background()

	// Two failures keep the circuit closed
	for i := 0; i < 2; i++ {
		err := cb.Call(ctx, fail)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Third failure trips it
	err := cb.Call(ctx, fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// Calls are now rejected without reaching the dependency
	called := false
	err = cb.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var cbErr *CircuitBreakerError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "neo4j", cbErr.Name)
	assert.Equal(t, "OPEN", cbErr.State)
	assert.InDelta(t, 30.0, cbErr.RemainingSeconds, 0.01)

	status := cb.Status()
	assert.Equal(t, uint64(1), status.Counts.Rejected)
	assert.Equal(t, uint64(3), status.Counts.Failed)
}

func TestBreakerTripsOnFailureRate(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:                 "external_ml",
		FailureThreshold:     100, // count condition out of reach
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinCallsForRate:      4,
		RecoveryTimeout:      time.Minute,
	}, clock)

	ctx := context.Background()

	require.NoError(t, cb.Call(ctx, succeed))
	require.NoError(t, cb.Call(ctx, succeed))
	assert.ErrorIs(t, cb.Call(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State(), "below min_calls_for_rate after 3 calls")

	// Fourth call reaches min_calls_for_rate with a 50% failure rate
	assert.ErrorIs(t, cb.Call(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestRecoveryCycle(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "neo4j",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Call(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Call(ctx, succeed), ErrCircuitOpen)

	// Before the recovery timeout the circuit stays open
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, cb.Call(ctx, succeed), ErrCircuitOpen)

	// After the timeout a trial call is admitted
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Call(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is below success_threshold")

	// Second consecutive success closes the circuit and clears the window
	require.NoError(t, cb.Call(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	status := cb.Status()
	assert.Zero(t, status.WindowFailures)
	assert.Zero(t, status.WindowSuccesses)
	assert.Nil(t, status.OpenedAt)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "overlay_peer-a",
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
	}, clock)

	ctx := context.Background()
	cb.Call(ctx, fail)
	cb.Call(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	assert.ErrorIs(t, cb.Call(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// The open period restarted from the trial failure
	var cbErr *CircuitBreakerError
	err := cb.Call(ctx, succeed)
	require.ErrorAs(t, err, &cbErr)
	assert.InDelta(t, 10.0, cbErr.RemainingSeconds, 0.01)
}

func TestHalfOpenConcurrencyLimit(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "webhook",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	ctx := context.Background()
	cb.Call(ctx, fail)
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(context.Context) error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return cb.Status().HalfOpenCallsInFlight == 1
	}, time.Second, 5*time.Millisecond)

	// The single trial slot is taken
	err := cb.Call(ctx, succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
}

// ============================================================================
// CALL ACCOUNTING
// ============================================================================

func TestExcludedErrorsCountAsSuccess(t *testing.T) {
	notFound := errors.New("capsule not found")
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "neo4j",
		FailureThreshold: 2,
		ExcludedErrors:   []error{notFound},
	}, clock)

	ctx := context.Background()

	// Business-level misses never trip the circuit, but the caller still
	// sees the error.
	for i := 0; i < 5; i++ {
		err := cb.Call(ctx, func(context.Context) error { return notFound })
		assert.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, StateClosed, cb.State())

	status := cb.Status()
	assert.Equal(t, uint64(5), status.Counts.Excluded)
	assert.Zero(t, status.Counts.Failed)
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "external_ml",
		FailureThreshold: 5,
		CallTimeout:      20 * time.Millisecond,
	}, clock)

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status := cb.Status()
	assert.Equal(t, uint64(1), status.Counts.TimeoutCalls)
	assert.Equal(t, uint64(1), status.Counts.Failed)
}

func TestSlidingWindowEvictsOldSamples(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "neo4j",
		FailureThreshold: 4,
		WindowSize:       4,
	}, clock)

	ctx := context.Background()

	// Three old failures
	for i := 0; i < 3; i++ {
		cb.Call(ctx, fail)
		clock.Advance(time.Second)
	}

	// A streak of successes pushes them out of the window
	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
		clock.Advance(time.Second)
	}

	status := cb.Status()
	assert.Zero(t, status.WindowFailures)
	assert.Equal(t, 4, status.WindowSuccesses)

	// A fresh failure is judged against the current window only
	cb.Call(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCountsInvariant(t *testing.T) {
	clock := newFakeClock()
	excluded := errors.New("no rows")
	cb := newTestBreaker(Config{
		Name:             "neo4j",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
		ExcludedErrors:   []error{excluded},
	}, clock)

	ctx := context.Background()
	cb.Call(ctx, succeed)
	cb.Call(ctx, func(context.Context) error { return excluded })
	cb.Call(ctx, fail)
	cb.Call(ctx, fail)
	cb.Call(ctx, fail) // trips
	cb.Call(ctx, succeed)
	cb.Call(ctx, succeed) // both rejected

	c := cb.Status().Counts
	assert.Equal(t, c.TotalCalls, c.Successful+c.Failed+c.Rejected+c.Excluded)
	assert.Equal(t, uint64(7), c.TotalCalls)
	assert.Equal(t, uint64(2), c.Rejected)
}

// ============================================================================
// LISTENERS AND MANUAL CONTROL
// ============================================================================

func TestListenersNotifiedAndPanicsSwallowed(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "webhook",
		FailureThreshold: 1,
	}, clock)

	cb.OnStateChange(func(string, State, State) {
		panic("listener bug")
	})

	var mu sync.Mutex
	var seen []string
	cb.OnStateChange(func(name string, from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+">"+to.String())
		mu.Unlock()
	})

	cb.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "CLOSED>OPEN", seen[0])
}

func TestForceOpenAndReset(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{Name: "neo4j"}, clock)

	cb.ForceOpen(5 * time.Second)
	err := cb.Call(context.Background(), succeed)
	var cbErr *CircuitBreakerError
	require.ErrorAs(t, err, &cbErr)
	assert.InDelta(t, 5.0, cbErr.RemainingSeconds, 0.01)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Status().Counts.TotalCalls)
	require.NoError(t, cb.Call(context.Background(), succeed))
}

func TestTransitionLogIsBounded(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{
		Name:             "flappy",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	}, clock)

	ctx := context.Background()
	for i := 0; i < 80; i++ {
		cb.Call(ctx, fail)
		clock.Advance(2 * time.Second)
		cb.Call(ctx, succeed)
	}

	log := cb.Status().RecentTransitions
	assert.Len(t, log, maxTransitionLog)
	// Oldest entries were dropped, order preserved
	for i := 1; i < len(log); i++ {
		assert.False(t, log[i].At.Before(log[i-1].At))
	}
}

// ============================================================================
// GENERIC EXECUTE
// ============================================================================

func TestExecuteReturnsValue(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{Name: "neo4j"}, clock)

	got, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestExecuteWithFallback(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(Config{Name: "external_ml", FailureThreshold: 1}, clock)

	cb.Call(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	got, err := ExecuteWithFallback(context.Background(), cb,
		func(context.Context) (string, error) { return "remote", nil },
		func(err error) (string, error) {
			assert.ErrorIs(t, err, ErrCircuitOpen)
			return "local", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "local", got)
}

// ============================================================================
// REGISTRY
// ============================================================================

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry(nil)

	a := r.GetOrCreate("neo4j")
	b := r.GetOrCreate("neo4j")
	assert.Same(t, a, b)
	assert.Same(t, a, r.Neo4j())

	overlay := r.Overlay("peer-a")
	assert.Equal(t, "overlay_peer-a", overlay.Name())
}

func TestRegistryConfigureAppliesOnFirstUse(t *testing.T) {
	r := NewRegistry(nil)
	cfg := DefaultConfig("custom")
	cfg.FailureThreshold = 1
	r.Configure("custom", cfg)

	cb := r.GetOrCreate("custom")
	cb.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestRegistryHealthAndOpenCircuits(t *testing.T) {
	r := NewRegistry(nil)
	r.GetOrCreate("healthy")

	flaky := DefaultConfig("flaky")
	flaky.FailureThreshold = 1
	r.Configure("flaky", flaky)
	r.GetOrCreate("flaky").Call(context.Background(), fail)

	health := r.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 2, health.Total)
	assert.Equal(t, 1, health.Open)
	assert.Equal(t, 1, health.Closed)

	assert.Equal(t, []string{"flaky"}, r.OpenCircuits())

	r.ResetAll()
	assert.True(t, r.Health().Healthy)
	assert.Empty(t, r.OpenCircuits())
}

func BenchmarkBreakerCallClosed(b *testing.B) {
	cb := New(DefaultConfig("bench"))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cb.Call(ctx, succeed)
	}
}
