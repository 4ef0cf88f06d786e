package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

// Well-known breaker names. Overlay breakers are created on demand with the
// OverlayPrefix so each peer overlay is isolated independently.
const (
	BreakerNeo4j      = "neo4j"
	BreakerExternalML = "external_ml"
	BreakerWebhook    = "webhook"
	OverlayPrefix     = "overlay_"
)

const (
	defaultNeo4jRecovery         = 30 * time.Second
	defaultExternalMLRecovery    = 60 * time.Second
	defaultExternalMLCallTimeout = 30 * time.Second
	defaultWebhookRecovery       = 2 * time.Minute
)

// Registry manages named circuit breakers. Breakers are created lazily on
// first use and live for the process lifetime.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	overrides map[string]Config
	metrics   *metrics.Metrics
}

// NewRegistry creates a registry pre-tuned for the core dependencies. The
// graph database recovers fast, remote ML scoring is slow and gets a per-call
// timeout, webhook endpoints belong to third parties and back off longest.
func NewRegistry(m *metrics.Metrics) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		overrides: make(map[string]Config),
		metrics:   m,
	}

	neo4j := DefaultConfig(BreakerNeo4j)
	neo4j.FailureThreshold = 5
	neo4j.RecoveryTimeout = defaultNeo4jRecovery
	r.overrides[BreakerNeo4j] = neo4j

	ml := DefaultConfig(BreakerExternalML)
	ml.FailureThreshold = 3
	ml.RecoveryTimeout = defaultExternalMLRecovery
	ml.CallTimeout = defaultExternalMLCallTimeout
	r.overrides[BreakerExternalML] = ml

	webhook := DefaultConfig(BreakerWebhook)
	webhook.FailureThreshold = 5
	webhook.RecoveryTimeout = defaultWebhookRecovery
	r.overrides[BreakerWebhook] = webhook

	return r
}

// Configure registers (or replaces) the configuration used when the named
// breaker is first created. It has no effect on an already-created breaker.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.Name = name
	r.overrides[name] = cfg
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg, ok := r.overrides[name]
	if !ok {
		cfg = DefaultConfig(name)
	}
	cfg.Name = name
	cfg.Metrics = r.metrics

	cb = New(cfg)
	r.breakers[name] = cb
	return cb
}

// Get returns the breaker for name if it exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Neo4j returns the graph database breaker.
func (r *Registry) Neo4j() *CircuitBreaker {
	return r.GetOrCreate(BreakerNeo4j)
}

// ExternalML returns the remote scoring breaker.
func (r *Registry) ExternalML() *CircuitBreaker {
	return r.GetOrCreate(BreakerExternalML)
}

// Webhook returns the webhook delivery breaker.
func (r *Registry) Webhook() *CircuitBreaker {
	return r.GetOrCreate(BreakerWebhook)
}

// Overlay returns the breaker guarding one peer overlay, creating it with the
// overlay defaults on first use.
func (r *Registry) Overlay(overlay string) *CircuitBreaker {
	return r.GetOrCreate(OverlayPrefix + overlay)
}

// Names returns the sorted names of all created breakers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllStatus returns a snapshot of every created breaker, keyed by name.
func (r *Registry) AllStatus() map[string]Status {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	// Status locks each breaker; taken outside the registry lock.
	statuses := make(map[string]Status, len(breakers))
	for _, cb := range breakers {
		statuses[cb.Name()] = cb.Status()
	}
	return statuses
}

// OpenCircuits returns the sorted names of breakers currently not CLOSED.
func (r *Registry) OpenCircuits() []string {
	var open []string
	for name, status := range r.AllStatus() {
		if status.State != StateClosed.String() {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// HealthSummary is the aggregate view exposed on the health endpoint.
type HealthSummary struct {
	Healthy  bool `json:"healthy"`
	Total    int  `json:"total"`
	Closed   int  `json:"closed"`
	Open     int  `json:"open"`
	HalfOpen int  `json:"half_open"`
}

// Health reports healthy only when every created breaker is CLOSED.
func (r *Registry) Health() HealthSummary {
	summary := HealthSummary{Healthy: true}
	for _, status := range r.AllStatus() {
		summary.Total++
		switch status.State {
		case StateOpen.String():
			summary.Open++
			summary.Healthy = false
		case StateHalfOpen.String():
			summary.HalfOpen++
			summary.Healthy = false
		default:
			summary.Closed++
		}
	}
	return summary
}

// ResetAll resets every created breaker. Used by the admin API.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
