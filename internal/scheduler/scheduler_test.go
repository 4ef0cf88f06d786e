package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (n *capturingNotifier) Notify(event string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.data = append(n.data, data)
}

func (n *capturingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

var errTask = errors.New("task blew up")

func failing(context.Context) error { return errTask }
func succeeding(context.Context) error { return nil }

// ============================================================================
// REGISTRATION
// ============================================================================

func TestRegisterValidation(t *testing.T) {
	s := New(nil, nil)

	assert.Error(t, s.Register("", succeeding, time.Second, true))
	assert.Error(t, s.Register("t", nil, time.Second, true))
	assert.Error(t, s.Register("t", succeeding, 0, true))

	require.NoError(t, s.Register("t", succeeding, time.Second, true))
	assert.Error(t, s.Register("t", succeeding, time.Second, true), "duplicate name")
}

func TestAllStatusSortedByName(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Register("zulu", succeeding, time.Second, true))
	require.NoError(t, s.Register("alpha", succeeding, time.Second, false))

	all := s.AllStatus()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.False(t, all[0].Enabled)
	assert.Equal(t, "zulu", all[1].Name)
}

// ============================================================================
// LOOP LIFECYCLE
// ============================================================================

func TestStartRunsEnabledTasksPeriodically(t *testing.T) {
	s := New(nil, nil)

	var runs atomic.Int32
	require.NoError(t, s.Register("counter", func(context.Context) error {
		runs.Add(1)
		return nil
	}, 5*time.Millisecond, true))

	var disabledRuns atomic.Int32
	require.NoError(t, s.Register("disabled", func(context.Context) error {
		disabledRuns.Add(1)
		return nil
	}, 5*time.Millisecond, false))

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, disabledRuns.Load(), "disabled tasks never launch")

	status, ok := s.TaskStatus("counter")
	require.True(t, ok)
	assert.True(t, status.LoopRunning)
	assert.GreaterOrEqual(t, status.RunCount, uint64(3))
	assert.NotNil(t, status.LastRunAt)
}

func TestStopWaitsForLoops(t *testing.T) {
	s := New(nil, nil)

	var runs atomic.Int32
	require.NoError(t, s.Register("t", func(context.Context) error {
		runs.Add(1)
		return nil
	}, 5*time.Millisecond, true))

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	s.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop returns")

	status, _ := s.TaskStatus("t")
	assert.False(t, status.LoopRunning)

	// Stop is idempotent
	s.Stop()
}

func TestDoubleStartFails(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Error(t, s.Start())
}

func TestStartNowLaunchesLateRegistration(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Register("late", func(context.Context) error {
		runs.Add(1)
		return nil
	}, 5*time.Millisecond, true))

	// Registration alone does not launch a loop in a running scheduler
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runs.Load())

	require.NoError(t, s.StartNow("late"))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	assert.Error(t, s.StartNow("unknown"))
}

// ============================================================================
// FAILURE ACCOUNTING
// ============================================================================

func TestRunTaskNowAccounting(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Register("flaky", failing, time.Hour, true))

	ctx := context.Background()
	require.ErrorIs(t, s.RunTaskNow(ctx, "flaky"), errTask)
	require.ErrorIs(t, s.RunTaskNow(ctx, "flaky"), errTask)

	status, _ := s.TaskStatus("flaky")
	assert.Equal(t, uint64(2), status.ErrorCount)
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, errTask.Error(), status.LastError)
	assert.Zero(t, status.RunCount)

	assert.Error(t, s.RunTaskNow(ctx, "unknown"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	s := New(nil, nil)

	shouldFail := true
	require.NoError(t, s.Register("recovering", func(context.Context) error {
		if shouldFail {
			return errTask
		}
		return nil
	}, time.Hour, true))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.RunTaskNow(ctx, "recovering")
	}
	status, _ := s.TaskStatus("recovering")
	require.Equal(t, 5, status.ConsecutiveFailures)

	shouldFail = false
	require.NoError(t, s.RunTaskNow(ctx, "recovering"))

	status, _ = s.TaskStatus("recovering")
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Equal(t, uint64(1), status.RunCount)
	assert.Equal(t, uint64(5), status.ErrorCount, "total error count survives recovery")
	assert.Empty(t, status.LastError)
}

func TestCircuitBreakerErrorIsNotAFailure(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Register("guarded", func(context.Context) error {
		return &circuitbreaker.CircuitBreakerError{Name: "neo4j", State: "OPEN", RemainingSeconds: 12}
	}, time.Hour, true))

	ctx := context.Background()
	for i := 0; i < MaxConsecutiveFailures+5; i++ {
		err := s.RunTaskNow(ctx, "guarded")
		require.Error(t, err)
	}

	status, _ := s.TaskStatus("guarded")
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Zero(t, status.ErrorCount)
	assert.Equal(t, uint64(MaxConsecutiveFailures+5), status.BreakerSkips)
	assert.False(t, status.AutoDisabled, "breaker-open runs never auto-disable a task")
}

func TestPanicCountsAsFailure(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Register("panicky", func(context.Context) error {
		panic("nil map write")
	}, time.Hour, true))

	err := s.RunTaskNow(context.Background(), "panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked")

	status, _ := s.TaskStatus("panicky")
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

// ============================================================================
// AUTO-DISABLE
// ============================================================================

func TestAutoDisableAtThreshold(t *testing.T) {
	notifier := &capturingNotifier{}
	s := New(nil, notifier)
	require.NoError(t, s.Register("doomed", failing, time.Hour, true))

	ctx := context.Background()
	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		s.RunTaskNow(ctx, "doomed")
	}
	status, _ := s.TaskStatus("doomed")
	require.False(t, status.AutoDisabled, "one failure short of the cap")

	s.RunTaskNow(ctx, "doomed")

	status, _ = s.TaskStatus("doomed")
	assert.True(t, status.AutoDisabled)
	assert.False(t, status.Enabled)
	assert.Equal(t, MaxConsecutiveFailures, status.ConsecutiveFailures)
	assert.Equal(t, 1, notifier.count("task.auto_disabled"))

	// Further failures do not re-fire the notification
	s.RunTaskNow(ctx, "doomed")
	assert.Equal(t, 1, notifier.count("task.auto_disabled"))
}

func TestLoopExitsOnAutoDisable(t *testing.T) {
	notifier := &capturingNotifier{}
	s := New(nil, notifier)

	var runs atomic.Int32
	require.NoError(t, s.Register("doomed", func(context.Context) error {
		runs.Add(1)
		return errTask
	}, time.Millisecond, true))

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		status, _ := s.TaskStatus("doomed")
		return status.AutoDisabled && !status.LoopRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(MaxConsecutiveFailures), runs.Load())
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no iterations after auto-disable")
}

func TestResetTaskRestartsLoop(t *testing.T) {
	s := New(nil, nil)

	var fail atomic.Bool
	fail.Store(true)
	var runs atomic.Int32
	require.NoError(t, s.Register("phoenix", func(context.Context) error {
		runs.Add(1)
		if fail.Load() {
			return errTask
		}
		return nil
	}, time.Millisecond, true))

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		status, _ := s.TaskStatus("phoenix")
		return status.AutoDisabled && !status.LoopRunning
	}, 2*time.Second, 5*time.Millisecond)

	fail.Store(false)
	before := runs.Load()
	require.NoError(t, s.ResetTask("phoenix"))

	require.Eventually(t, func() bool { return runs.Load() > before }, time.Second, time.Millisecond)

	status, _ := s.TaskStatus("phoenix")
	assert.False(t, status.AutoDisabled)
	assert.True(t, status.Enabled)
	assert.True(t, status.LoopRunning)
	assert.Zero(t, status.ConsecutiveFailures)

	assert.Error(t, s.ResetTask("unknown"))
}

// ============================================================================
// JITTER
// ============================================================================

func TestStartupJitterDeterministicAndBounded(t *testing.T) {
	for _, name := range []string{"graph_snapshot", "version_compaction", "cache_cleanup"} {
		j1 := startupJitter(name, time.Minute)
		j2 := startupJitter(name, time.Minute)
		assert.Equal(t, j1, j2, "jitter is stable for %s", name)
		assert.GreaterOrEqual(t, j1, time.Duration(0))
		assert.Less(t, j1, maxStartupJitter)
	}

	// Short intervals bound jitter to half the interval
	j := startupJitter("graph_snapshot", 10*time.Millisecond)
	assert.Less(t, j, 5*time.Millisecond)

	// Different names should usually disagree
	assert.NotEqual(t,
		startupJitter("graph_snapshot", time.Minute),
		startupJitter("version_compaction", time.Minute))
}
