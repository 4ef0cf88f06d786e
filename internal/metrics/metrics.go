package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the federation core. A nil
// *Metrics is valid: every Record* helper is a no-op on nil, so components
// can run without observability wired (tests, forge-check).
type Metrics struct {
	// Sync engine
	SyncTotal         *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	EntitiesProcessed *prometheus.CounterVec

	// Federation protocol
	EnvelopeChecks  *prometheus.CounterVec
	HandshakesTotal *prometheus.CounterVec

	// Trust
	TrustScore  *prometheus.GaugeVec
	TrustEvents *prometheus.CounterVec

	// Circuit breakers
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Query + session cache
	CacheOps           *prometheus.CounterVec
	CacheEntries       *prometheus.GaugeVec
	CacheInvalidations *prometheus.CounterVec

	// Nonce store
	NonceChecks *prometheus.CounterVec

	// Scheduler
	TaskRuns         *prometheus.CounterVec
	TaskAutoDisabled *prometheus.CounterVec

	// Sessions
	SessionOps     *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec

	// Live event stream
	StreamClients prometheus.Gauge

	// Peer rate limiting
	RateLimited *prometheus.CounterVec
}

// NewMetrics registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors on the given registerer. Tests pass
// a fresh prometheus.NewRegistry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_sync_total",
				Help: "Sync attempts by peer and terminal status",
			},
			[]string{"peer_id", "status"},
		),

		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_sync_duration_seconds",
				Help:    "Wall time of completed sync attempts",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"peer_id", "direction"},
		),

		EntitiesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_sync_entities_total",
				Help: "Entities and edges processed during sync, by outcome",
			},
			[]string{"peer_id", "outcome"}, // created, updated, skipped, conflicted, edges_created, edges_skipped
		),

		EnvelopeChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_envelope_checks_total",
				Help: "Signed envelope verification outcomes",
			},
			[]string{"result"}, // ok, bad_signature, stale_timestamp, nonce_replay, malformed
		),

		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_handshakes_total",
				Help: "Federation handshake outcomes",
			},
			[]string{"result"}, // accepted, rejected
		),

		TrustScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forge_peer_trust_score",
				Help: "Current trust score per peer",
			},
			[]string{"peer_id"},
		),

		TrustEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_trust_events_total",
				Help: "Trust mutations by event type",
			},
			[]string{"event_type"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forge_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"name"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),

		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_breaker_rejections_total",
				Help: "Calls rejected while a breaker was open or half-open saturated",
			},
			[]string{"name"},
		),

		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_cache_ops_total",
				Help: "Cache operations by tier and kind",
			},
			[]string{"tier", "op"}, // tier: redis, memory; op: hit, miss, set, delete, reject
		),

		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forge_cache_entries",
				Help: "Entries currently held per cache tier",
			},
			[]string{"tier"},
		),

		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_cache_invalidations_total",
				Help: "Cache keys invalidated, by invalidation strategy",
			},
			[]string{"strategy"},
		),

		NonceChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_nonce_checks_total",
				Help: "Nonce verify-and-consume outcomes",
			},
			[]string{"result"}, // accepted, replay, stale, error
		),

		TaskRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_task_runs_total",
				Help: "Scheduler task executions by result",
			},
			[]string{"task", "result"}, // ok, error, circuit_open
		),

		TaskAutoDisabled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_task_auto_disabled_total",
				Help: "Tasks disabled after repeated consecutive failures",
			},
			[]string{"task"},
		),

		SessionOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_session_ops_total",
				Help: "Session store mutations",
			},
			[]string{"op"}, // created, revoked, flagged, expired
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_active_sessions",
				Help: "Sessions currently in ACTIVE status, refreshed by the cleanup task",
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_webhook_deliveries_total",
				Help: "Webhook delivery attempts by event type and status",
			},
			[]string{"event_type", "status"}, // delivered, failed, dropped
		),

		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_stream_clients",
				Help: "Connected live event stream consumers",
			},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_rate_limited_total",
				Help: "Federation requests refused by the peer rate limiter",
			},
			[]string{"peer_id"},
		),
	}
}

func (m *Metrics) RecordSync(peerID, status string) {
	if m == nil {
		return
	}
	m.SyncTotal.WithLabelValues(peerID, status).Inc()
}

func (m *Metrics) RecordSyncDuration(peerID, direction string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncDuration.WithLabelValues(peerID, direction).Observe(seconds)
}

func (m *Metrics) RecordEntities(peerID, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntitiesProcessed.WithLabelValues(peerID, outcome).Add(float64(n))
}

func (m *Metrics) RecordEnvelopeCheck(result string) {
	if m == nil {
		return
	}
	m.EnvelopeChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHandshake(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.HandshakesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTrustScore(peerID string, score float64) {
	if m == nil {
		return
	}
	m.TrustScore.WithLabelValues(peerID).Set(score)
}

func (m *Metrics) RecordTrustEvent(eventType string) {
	if m == nil {
		return
	}
	m.TrustEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) RecordBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

func (m *Metrics) RecordBreakerRejection(name string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordCacheOp(tier, op string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(tier, op).Inc()
}

func (m *Metrics) SetCacheEntries(tier string, n int) {
	if m == nil {
		return
	}
	m.CacheEntries.WithLabelValues(tier).Set(float64(n))
}

func (m *Metrics) RecordInvalidations(strategy string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheInvalidations.WithLabelValues(strategy).Add(float64(n))
}

func (m *Metrics) RecordNonceCheck(result string) {
	if m == nil {
		return
	}
	m.NonceChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTaskRun(task, result string) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
}

func (m *Metrics) RecordTaskAutoDisabled(task string) {
	if m == nil {
		return
	}
	m.TaskAutoDisabled.WithLabelValues(task).Inc()
}

func (m *Metrics) RecordSessionOp(op string) {
	if m == nil {
		return
	}
	m.SessionOps.WithLabelValues(op).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(n))
}

func (m *Metrics) RecordWebhookDelivery(eventType, status string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordRateLimited(peerID string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(peerID).Inc()
}
