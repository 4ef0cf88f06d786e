// Package scheduler runs named periodic tasks, each in its own goroutine
// with deterministic startup jitter, failure accounting, and auto-disable
// after sustained failure. A task wrapped around an open circuit breaker is
// not punished: the breaker downstream is already doing its job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/metrics"
)

// MaxConsecutiveFailures is the auto-disable threshold.
const MaxConsecutiveFailures = 10

// Startup jitter never exceeds this, however long the interval.
const maxStartupJitter = 10 * time.Second

// TaskFunc is one periodic task body.
type TaskFunc func(ctx context.Context) error

// Notifier receives task lifecycle notifications; nil drops them.
type Notifier interface {
	Notify(event string, data map[string]any)
}

type task struct {
	name     string
	fn       TaskFunc
	interval time.Duration

	enabled             bool
	autoDisabled        bool
	loopRunning         bool
	runCount            uint64
	errorCount          uint64
	breakerSkips        uint64
	consecutiveFailures int
	lastRunAt           *time.Time
	lastError           string
}

// TaskStatus is a point-in-time snapshot of one task.
type TaskStatus struct {
	Name                string     `json:"name"`
	Enabled             bool       `json:"enabled"`
	AutoDisabled        bool       `json:"auto_disabled"`
	LoopRunning         bool       `json:"loop_running"`
	IntervalSeconds     int        `json:"interval_seconds"`
	RunCount            uint64     `json:"run_count"`
	ErrorCount          uint64     `json:"error_count"`
	BreakerSkips        uint64     `json:"breaker_skips"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Scheduler owns the task table and the per-task loops.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*task
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	metrics  *metrics.Metrics
	notifier Notifier

	now func() time.Time
}

// New creates a stopped scheduler.
func New(m *metrics.Metrics, notifier Notifier) *Scheduler {
	return &Scheduler{
		tasks:    make(map[string]*task),
		metrics:  m,
		notifier: notifier,
		now:      time.Now,
	}
}

// Register adds a task. Tasks registered before Start launch with it; later
// registrations need StartNow.
func (s *Scheduler) Register(name string, fn TaskFunc, interval time.Duration, enabled bool) error {
	if name == "" {
		return errors.New("scheduler: task name is required")
	}
	if fn == nil {
		return fmt.Errorf("scheduler: task %s has no function", name)
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %s interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("scheduler: task %s already registered", name)
	}
	s.tasks[name] = &task{
		name:     name,
		fn:       fn,
		interval: interval,
		enabled:  enabled,
	}
	return nil
}

// Start launches one loop per enabled task.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})

	launched := 0
	for _, t := range s.tasks {
		if t.enabled && !t.loopRunning {
			s.launchLocked(t)
			launched++
		}
	}
	slog.Info("Scheduler started", "tasks", launched)
	return nil
}

// StartNow launches the loop for a task registered after Start.
func (s *Scheduler) StartNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	if !s.started {
		return errors.New("scheduler: not started")
	}
	if !t.enabled {
		return fmt.Errorf("scheduler: task %s is disabled", name)
	}
	if t.loopRunning {
		return nil
	}
	s.launchLocked(t)
	return nil
}

// Stop signals every loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// ResetTask clears the failure state and relaunches the loop when the
// scheduler is running. The operator path out of auto-disable.
func (s *Scheduler) ResetTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}

	t.consecutiveFailures = 0
	t.errorCount = 0
	t.runCount = 0
	t.breakerSkips = 0
	t.lastError = ""
	t.autoDisabled = false
	t.enabled = true

	if s.started && !t.loopRunning {
		s.launchLocked(t)
	}
	slog.Info("Task reset", "task", name)
	return nil
}

// RunTaskNow invokes the task once outside its loop, with the same
// success/failure accounting.
func (s *Scheduler) RunTaskNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	return s.execute(ctx, t)
}

// TaskStatus returns a snapshot of one task.
func (s *Scheduler) TaskStatus(name string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return TaskStatus{}, false
	}
	return t.snapshotLocked(), true
}

// AllStatus returns snapshots of every task, sorted by name.
func (s *Scheduler) AllStatus() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *task) snapshotLocked() TaskStatus {
	return TaskStatus{
		Name:                t.name,
		Enabled:             t.enabled,
		AutoDisabled:        t.autoDisabled,
		LoopRunning:         t.loopRunning,
		IntervalSeconds:     int(t.interval / time.Second),
		RunCount:            t.runCount,
		ErrorCount:          t.errorCount,
		BreakerSkips:        t.breakerSkips,
		ConsecutiveFailures: t.consecutiveFailures,
		LastRunAt:           t.lastRunAt,
		LastError:           t.lastError,
	}
}

// ============================================================================
// TASK LOOP
// ============================================================================

// launchLocked must run under s.mu with the scheduler started.
func (s *Scheduler) launchLocked(t *task) {
	t.loopRunning = true
	stopCh := s.stopCh
	s.wg.Add(1)
	go s.loop(t, stopCh)
}

func (s *Scheduler) loop(t *task, stopCh <-chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		t.loopRunning = false
		s.mu.Unlock()
	}()

	// Deterministic per-name jitter keeps N tasks from synchronizing their
	// first run at startup.
	if !s.sleepOrStop(startupJitter(t.name, t.interval), stopCh) {
		return
	}

	for {
		s.execute(context.Background(), t)

		s.mu.Lock()
		disabled := t.autoDisabled || !t.enabled
		s.mu.Unlock()
		if disabled {
			return
		}

		if !s.sleepOrStop(t.interval, stopCh) {
			return
		}
	}
}

// sleepOrStop returns false when the scheduler stopped during the sleep.
func (s *Scheduler) sleepOrStop(d time.Duration, stopCh <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stopCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	}
}

// execute runs the task once and applies the accounting rules.
func (s *Scheduler) execute(ctx context.Context, t *task) error {
	err := runSafely(ctx, t.fn)

	s.mu.Lock()
	now := s.now()
	t.lastRunAt = &now

	var cbErr *circuitbreaker.CircuitBreakerError
	switch {
	case err == nil:
		t.runCount++
		t.consecutiveFailures = 0
		t.lastError = ""
		s.mu.Unlock()
		s.metrics.RecordTaskRun(t.name, "success")
		return nil

	case errors.As(err, &cbErr):
		// The downstream breaker is protecting us; skip, don't punish.
		t.breakerSkips++
		s.mu.Unlock()
		s.metrics.RecordTaskRun(t.name, "breaker_open")
		slog.Info("Task skipped, circuit open",
			"task", t.name, "breaker", cbErr.Name, "retry_in_s", cbErr.RemainingSeconds)
		return err

	default:
		t.errorCount++
		t.consecutiveFailures++
		t.lastError = err.Error()
		disabledNow := false
		if t.consecutiveFailures >= MaxConsecutiveFailures && !t.autoDisabled {
			t.autoDisabled = true
			t.enabled = false
			disabledNow = true
		}
		failures := t.consecutiveFailures
		s.mu.Unlock()

		s.metrics.RecordTaskRun(t.name, "failure")
		slog.Error("Task failed", "task", t.name, "error", err, "consecutive_failures", failures)

		if disabledNow {
			s.metrics.RecordTaskAutoDisabled(t.name)
			slog.Error("CRITICAL: task auto-disabled after repeated failures; reset required",
				"task", t.name, "failures", failures)
			if s.notifier != nil {
				s.notifier.Notify("task.auto_disabled", map[string]any{
					"task":     t.name,
					"failures": failures,
					"error":    err.Error(),
				})
			}
		}
		return err
	}
}

// runSafely converts a task panic into an error so one bad task can never
// take the process down.
func runSafely(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// startupJitter derives a stable sub-interval delay from the task name.
func startupJitter(name string, interval time.Duration) time.Duration {
	span := interval / 2
	if span > maxStartupJitter {
		span = maxStartupJitter
	}
	if span <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return time.Duration(h.Sum32()) % span
}
