package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1000
	maxAttempts      = 3
	deliveryTimeout  = 10 * time.Second
)

// Delivery is the JSON body POSTed to subscribers.
type Delivery struct {
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Source    string           `json:"source"`
	Subject   string           `json:"subject,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data"`
}

type deliveryJob struct {
	sub     *Subscription
	event   *Delivery
	attempt int
}

// Dispatcher fans events out to subscribed endpoints on a bounded worker
// pool. The queue drops on overflow rather than backpressuring emitters, and
// every HTTP call runs through the webhook circuit breaker so a dead
// subscriber farm cannot pile up goroutines.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics

	queue chan *deliveryJob
	wg    sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	unsubscribe func()

	backoff func(attempt int) time.Duration
}

// Config tunes the dispatcher pool. Zero values use the defaults above.
type Config struct {
	Workers   int
	QueueSize int
}

// NewDispatcher starts the worker pool. breaker may be nil (tests); metrics
// is already nil-safe.
func NewDispatcher(cfg Config, registry *Registry, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: deliveryTimeout},
		breaker:  breaker,
		metrics:  m,
		queue:    make(chan *deliveryJob, cfg.QueueSize),
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// BindBus subscribes the dispatcher to every notifiable event type on the
// bus. Call once after construction; Shutdown detaches.
func (d *Dispatcher) BindBus(bus events.Bus) {
	unsubscribe := bus.Subscribe(func(ctx context.Context, ev *events.Event) error {
		d.Dispatch(ev)
		return nil
	}, NotifiableEvents...)

	d.mu.Lock()
	d.unsubscribe = unsubscribe
	d.mu.Unlock()
}

// Dispatch fans one event out to its subscribers. Payloads share the event
// id, so subscribers can deduplicate retried deliveries.
func (d *Dispatcher) Dispatch(ev *events.Event) {
	subs := d.registry.Subscribers(ev.Type)
	if len(subs) == 0 {
		return
	}

	delivery := &Delivery{
		ID:        ev.ID,
		Type:      ev.Type,
		Source:    ev.Source,
		Subject:   ev.Subject,
		Timestamp: ev.At,
		Data:      ev.Data,
	}

	for _, sub := range subs {
		d.enqueue(&deliveryJob{sub: sub, event: delivery, attempt: 1})
	}
}

func (d *Dispatcher) enqueue(job *deliveryJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		d.metrics.RecordWebhookDelivery(string(job.event.Type), "dropped")
		slog.Warn("Webhook queue full, delivery dropped",
			"event_id", job.event.ID,
			"subscription", job.sub.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	err := d.send(job)
	if err == nil {
		d.registry.MarkDelivered(job.sub.ID)
		d.metrics.RecordWebhookDelivery(string(job.event.Type), "delivered")
		return
	}

	// A breaker rejection is our outage, not the subscriber's: drop without
	// penalizing the endpoint and let the breaker decide when to probe.
	var cbErr *circuitbreaker.CircuitBreakerError
	if errors.As(err, &cbErr) {
		d.metrics.RecordWebhookDelivery(string(job.event.Type), "dropped")
		slog.Warn("Webhook delivery rejected by breaker",
			"subscription", job.sub.ID,
			"retry_in_seconds", cbErr.RemainingSeconds)
		return
	}

	d.registry.MarkFailed(job.sub.ID)
	d.metrics.RecordWebhookDelivery(string(job.event.Type), "failed")
	slog.Warn("Webhook delivery failed",
		"subscription", job.sub.ID,
		"url", job.sub.URL,
		"attempt", job.attempt,
		"error", err)

	if job.attempt < maxAttempts {
		job.attempt++
		time.AfterFunc(d.backoff(job.attempt), func() { d.enqueue(job) })
	}
}

func (d *Dispatcher) send(job *deliveryJob) error {
	payload, err := json.Marshal(job.event)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	do := func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.sub.URL, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forge-Event-Type", string(job.event.Type))
		req.Header.Set("X-Forge-Event-ID", job.event.ID)
		req.Header.Set("X-Forge-Delivery-Attempt", strconv.Itoa(job.attempt))
		if job.sub.Secret != "" {
			req.Header.Set("X-Forge-Signature", "sha256="+SignPayload(payload, job.sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return struct{}{}, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	ctx := context.Background()
	if d.breaker == nil {
		_, err := do(ctx)
		return err
	}
	_, err = circuitbreaker.Execute(ctx, d.breaker, do)
	return err
}

// QueueDepth reports jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Shutdown detaches from the bus, drains the queue, and stops the workers.
// Retries scheduled after shutdown are discarded.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
