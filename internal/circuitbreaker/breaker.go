// Package circuitbreaker implements per-dependency failure isolation for the
// federation core. Each named breaker guards one outbound dependency (graph
// database, remote peer overlay, webhook endpoint) and trips to OPEN when the
// dependency misbehaves, so one failing peer never stalls the whole node.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerError is returned on every rejected call. It carries enough
// context for callers (and the scheduler) to distinguish "the dependency is
// being protected" from an actual dependency failure.
type CircuitBreakerError struct {
	Name             string  `json:"name"`
	State            string  `json:"state"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

func (e *CircuitBreakerError) Error() string {
	if e.RemainingSeconds > 0 {
		return fmt.Sprintf("circuit breaker %q is %s (retry in %.1fs)", e.Name, e.State, e.RemainingSeconds)
	}
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Is lets errors.Is(err, ErrCircuitOpen) and errors.Is(err, ErrTooManyRequests)
// match without callers knowing the concrete type.
func (e *CircuitBreakerError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.State == StateOpen.String()
	case ErrTooManyRequests:
		return e.State == StateHalfOpen.String()
	}
	return false
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold trips the breaker when this many failures sit in the
	// sliding window, regardless of rate.
	FailureThreshold int

	// FailureRateThreshold trips the breaker when the window holds at least
	// MinCallsForRate entries and the failure ratio reaches this value.
	FailureRateThreshold float64

	// WindowSize bounds the total number of success+failure samples kept.
	WindowSize int

	// MinCallsForRate is the minimum window population before the rate
	// condition is evaluated.
	MinCallsForRate int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// trial calls.
	RecoveryTimeout time.Duration

	// CallTimeout bounds each guarded call; zero means no per-call timeout.
	// A timed-out call counts as a failure.
	CallTimeout time.Duration

	// HalfOpenMaxCalls is the number of concurrent trial calls admitted in
	// half-open state.
	HalfOpenMaxCalls int

	// ExcludedErrors are treated as successes: they are business-level
	// negative answers, not signs the dependency is down. Matched with
	// errors.Is.
	ExcludedErrors []error

	// Metrics, when set, receives state/transition/rejection observations.
	Metrics *metrics.Metrics

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// DefaultConfig returns the configuration used when a breaker is created
// without explicit tuning.
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		WindowSize:           20,
		MinCallsForRate:      10,
		SuccessThreshold:     2,
		RecoveryTimeout:      30 * time.Second,
		HalfOpenMaxCalls:     1,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinCallsForRate <= 0 {
		c.MinCallsForRate = def.MinCallsForRate
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// ============================================================================
// COUNTERS AND TRANSITIONS
// ============================================================================

// Counts holds cumulative call accounting. The invariant is
// TotalCalls == Successful + Failed + Rejected + Excluded.
type Counts struct {
	TotalCalls   uint64 `json:"total_calls"`
	Successful   uint64 `json:"successful_calls"`
	Failed       uint64 `json:"failed_calls"`
	Rejected     uint64 `json:"rejected_calls"`
	Excluded     uint64 `json:"excluded_calls"`
	TimeoutCalls uint64 `json:"timeout_calls"`
}

// Transition is one entry in the bounded state-change log.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

const maxTransitionLog = 100

// Status is a point-in-time snapshot returned to callers; it never exposes
// internal mutable state.
type Status struct {
	Name                  string       `json:"name"`
	State                 string       `json:"state"`
	Counts                Counts       `json:"counts"`
	WindowSuccesses       int          `json:"window_successes"`
	WindowFailures        int          `json:"window_failures"`
	HalfOpenSuccesses     int          `json:"half_open_successes"`
	HalfOpenFailures      int          `json:"half_open_failures"`
	LastFailure           *time.Time   `json:"last_failure,omitempty"`
	LastSuccess           *time.Time   `json:"last_success,omitempty"`
	OpenedAt              *time.Time   `json:"opened_at,omitempty"`
	RecoveryRemainingSecs float64      `json:"recovery_remaining_seconds"`
	RecentTransitions     []Transition `json:"recent_transitions,omitempty"`
	HalfOpenCallsInFlight int          `json:"half_open_in_flight"`
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker guards one dependency. All state is mutated under mu; the
// guarded call itself runs with the lock released.
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64

	counts Counts

	// Sliding window of sample timestamps, trimmed to cfg.WindowSize across
	// both slices by dropping the globally oldest entry.
	windowSuccesses []time.Time
	windowFailures  []time.Time

	halfOpenSuccesses     int
	halfOpenFailures      int
	halfOpenInFlight      int
	consecutiveHalfOpenOK int

	lastFailure time.Time
	lastSuccess time.Time
	openedAt    time.Time

	// recoveryOverride, when positive, replaces cfg.RecoveryTimeout for the
	// current open period (set by ForceOpen).
	recoveryOverride time.Duration

	transitions []Transition
	listeners   []func(name string, from, to State)
}

// New creates a circuit breaker from cfg, filling unset fields with defaults.
func New(cfg Config) *CircuitBreaker {
	cfg.applyDefaults()
	cb := &CircuitBreaker{cfg: cfg, state: StateClosed}
	cb.cfg.Metrics.SetBreakerState(cfg.Name, 0)
	return cb
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, applying any pending open→half-open
// transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(cb.cfg.now())
	return state
}

// OnStateChange registers a listener invoked after every transition.
// Listener panics are swallowed and logged; they never affect the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Call runs fn under the breaker's admission control. Rejections return a
// *CircuitBreakerError; fn's own error is returned unchanged otherwise.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeCall()
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterCall(generation, outcomeFailure, false)
			panic(r)
		}
	}()

	callErr := fn(callCtx)

	switch {
	case callErr == nil:
		cb.afterCall(generation, outcomeSuccess, false)
		return nil
	case cb.isExcluded(callErr):
		cb.afterCall(generation, outcomeExcluded, false)
		return callErr
	case errors.Is(callErr, context.DeadlineExceeded):
		cb.afterCall(generation, outcomeFailure, true)
		return callErr
	default:
		cb.afterCall(generation, outcomeFailure, false)
		return callErr
	}
}

// Execute runs a request returning a value under the breaker.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Call(ctx, func(callCtx context.Context) error {
		var fnErr error
		result, fnErr = fn(callCtx)
		return fnErr
	})
	return result, err
}

// ExecuteWithFallback runs a request under the breaker, diverting to fallback
// on any error (including rejection).
func ExecuteWithFallback[T any](ctx context.Context, cb *CircuitBreaker, request func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	result, err := Execute(ctx, cb, request)
	if err != nil {
		return fallback(err)
	}
	return result, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeExcluded
)

func (cb *CircuitBreaker) isExcluded(err error) bool {
	for _, excluded := range cb.cfg.ExcludedErrors {
		if errors.Is(err, excluded) {
			return true
		}
	}
	return false
}

// beforeCall evaluates admission under the lock and returns the generation
// the outcome must be recorded against.
func (cb *CircuitBreaker) beforeCall() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	state, generation := cb.currentState(now)

	switch state {
	case StateOpen:
		cb.counts.TotalCalls++
		cb.counts.Rejected++
		cb.cfg.Metrics.RecordBreakerRejection(cb.cfg.Name)
		return generation, &CircuitBreakerError{
			Name:             cb.cfg.Name,
			State:            StateOpen.String(),
			RemainingSeconds: cb.recoveryRemaining(now).Seconds(),
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			cb.counts.TotalCalls++
			cb.counts.Rejected++
			cb.cfg.Metrics.RecordBreakerRejection(cb.cfg.Name)
			return generation, &CircuitBreakerError{
				Name:  cb.cfg.Name,
				State: StateHalfOpen.String(),
			}
		}
		cb.halfOpenInFlight++
	}

	cb.counts.TotalCalls++
	return generation, nil
}

// afterCall records the outcome, ignoring results from a previous generation
// (the breaker moved on while the call was in flight).
func (cb *CircuitBreaker) afterCall(generation uint64, result outcome, timedOut bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return
	}

	if state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	switch result {
	case outcomeSuccess:
		cb.counts.Successful++
		cb.onSuccess(state, now)
	case outcomeExcluded:
		cb.counts.Excluded++
		cb.onSuccess(state, now)
	case outcomeFailure:
		cb.counts.Failed++
		if timedOut {
			cb.counts.TimeoutCalls++
		}
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.lastSuccess = now

	switch state {
	case StateClosed:
		cb.windowSuccesses = append(cb.windowSuccesses, now)
		cb.trimWindow()
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		cb.consecutiveHalfOpenOK++
		if cb.consecutiveHalfOpenOK >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed, now, "recovery confirmed")
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.lastFailure = now

	switch state {
	case StateClosed:
		cb.windowFailures = append(cb.windowFailures, now)
		cb.trimWindow()
		if cb.shouldTrip() {
			cb.setState(StateOpen, now, "failure threshold reached")
		}
	case StateHalfOpen:
		cb.halfOpenFailures++
		cb.consecutiveHalfOpenOK = 0
		cb.setState(StateOpen, now, "trial call failed")
	}
}

// shouldTrip evaluates both trip conditions against the sliding window.
func (cb *CircuitBreaker) shouldTrip() bool {
	failures := len(cb.windowFailures)
	if failures >= cb.cfg.FailureThreshold {
		return true
	}

	total := failures + len(cb.windowSuccesses)
	if total >= cb.cfg.MinCallsForRate {
		rate := float64(failures) / float64(total)
		if rate >= cb.cfg.FailureRateThreshold {
			return true
		}
	}
	return false
}

// trimWindow drops the globally oldest sample until the combined window fits
// the configured size.
func (cb *CircuitBreaker) trimWindow() {
	for len(cb.windowSuccesses)+len(cb.windowFailures) > cb.cfg.WindowSize {
		switch {
		case len(cb.windowSuccesses) == 0:
			cb.windowFailures = cb.windowFailures[1:]
		case len(cb.windowFailures) == 0:
			cb.windowSuccesses = cb.windowSuccesses[1:]
		case cb.windowSuccesses[0].Before(cb.windowFailures[0]):
			cb.windowSuccesses = cb.windowSuccesses[1:]
		default:
			cb.windowFailures = cb.windowFailures[1:]
		}
	}
}

// currentState applies the open→half-open timer transition and returns the
// effective state plus the generation it belongs to.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && cb.recoveryRemaining(now) <= 0 {
		cb.setState(StateHalfOpen, now, "recovery timeout elapsed")
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) recoveryRemaining(now time.Time) time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	timeout := cb.cfg.RecoveryTimeout
	if cb.recoveryOverride > 0 {
		timeout = cb.recoveryOverride
	}
	return cb.openedAt.Add(timeout).Sub(now)
}

func (cb *CircuitBreaker) setState(state State, now time.Time, reason string) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
		cb.halfOpenFailures = 0
		cb.halfOpenInFlight = 0
		cb.consecutiveHalfOpenOK = 0
	case StateClosed:
		cb.windowSuccesses = nil
		cb.windowFailures = nil
		cb.halfOpenInFlight = 0
		cb.openedAt = time.Time{}
		cb.recoveryOverride = 0
	}

	cb.transitions = append(cb.transitions, Transition{
		From:   prev.String(),
		To:     state.String(),
		At:     now,
		Reason: reason,
	})
	if len(cb.transitions) > maxTransitionLog {
		cb.transitions = cb.transitions[len(cb.transitions)-maxTransitionLog:]
	}

	cb.cfg.Metrics.RecordBreakerTransition(cb.cfg.Name, prev.String(), state.String())
	cb.cfg.Metrics.SetBreakerState(cb.cfg.Name, stateGaugeValue(state))

	for _, listener := range cb.listeners {
		cb.notify(listener, prev, state)
	}
}

// notify isolates listener panics from breaker semantics.
func (cb *CircuitBreaker) notify(listener func(string, State, State), from, to State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("circuit breaker listener panicked", "breaker", cb.cfg.Name, "panic", r)
		}
	}()
	listener(cb.cfg.Name, from, to)
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Reset clears all statistics and returns the breaker to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	if cb.state != StateClosed {
		cb.setState(StateClosed, now, "manual reset")
	}
	cb.counts = Counts{}
	cb.windowSuccesses = nil
	cb.windowFailures = nil
	cb.halfOpenSuccesses = 0
	cb.halfOpenFailures = 0
	cb.halfOpenInFlight = 0
	cb.consecutiveHalfOpenOK = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Time{}
	cb.openedAt = time.Time{}
	cb.recoveryOverride = 0
	cb.generation++
}

// ForceOpen trips the breaker manually. A positive recovery overrides the
// configured recovery timeout for this open period only.
func (cb *CircuitBreaker) ForceOpen(recovery time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	cb.recoveryOverride = recovery
	if cb.state == StateOpen {
		cb.openedAt = now
		return
	}
	cb.setState(StateOpen, now, "forced open")
}

// Status returns a snapshot safe to serialize.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	state, _ := cb.currentState(now)

	status := Status{
		Name:                  cb.cfg.Name,
		State:                 state.String(),
		Counts:                cb.counts,
		WindowSuccesses:       len(cb.windowSuccesses),
		WindowFailures:        len(cb.windowFailures),
		HalfOpenSuccesses:     cb.halfOpenSuccesses,
		HalfOpenFailures:      cb.halfOpenFailures,
		HalfOpenCallsInFlight: cb.halfOpenInFlight,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		status.LastFailure = &t
	}
	if !cb.lastSuccess.IsZero() {
		t := cb.lastSuccess
		status.LastSuccess = &t
	}
	if !cb.openedAt.IsZero() {
		t := cb.openedAt
		status.OpenedAt = &t
	}
	if remaining := cb.recoveryRemaining(now); remaining > 0 {
		status.RecoveryRemainingSecs = remaining.Seconds()
	}
	if n := len(cb.transitions); n > 0 {
		status.RecentTransitions = make([]Transition, n)
		copy(status.RecentTransitions, cb.transitions)
	}
	return status
}

// String implements fmt.Stringer.
func (cb *CircuitBreaker) String() string {
	status := cb.Status()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, total=%d, failed=%d]",
		status.Name, status.State, status.Counts.TotalCalls, status.Counts.Failed)
}
