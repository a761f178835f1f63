// Package dispatch is the unified Webhook/Event Dispatcher (spec.md §4.9,
// C9): fans a mutation/access event out to an internal handler registry
// (e.g. the C10 WebSocket broadcaster) and, optionally, one external
// webhook URL, concurrently and without letting a slow handler block
// ingestion.
//
// Grounded on original_source/server/graph_service/webhooks.py's
// WebhookService: same internal-handler-registry-plus-external-URL shape,
// same "gather all, log failures, never propagate one handler's error to
// another" semantics — reimplemented with golang.org/x/sync/errgroup for
// the fan-out (the teacher's own asyncio.gather) and a bounded worker pool
// via golang.org/x/sync/semaphore so a burst of events can't spawn
// unbounded goroutines, plus prometheus/client_golang counters the Python
// service had no equivalent for (events_emitted, handler_failures,
// external_webhook_failures) to satisfy the observability surface the rest
// of this module carries.
package dispatch

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/reflective-memory-kernel/internal/domain"
)

// Handler is an internal event consumer (e.g. the broadcast package).
type Handler func(ctx context.Context, eventType string, payload any)

// Config holds the C9 tunables.
type Config struct {
	WebhookURL       string
	WebhookTimeout   time.Duration
	MaxConcurrent    int64
	WebhookMaxRetries int
}

// DefaultConfig matches spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		WebhookTimeout:    5 * time.Second,
		MaxConcurrent:     32,
		WebhookMaxRetries: 2,
	}
}

// Metrics is the C9 Prometheus surface.
type Metrics struct {
	EventsEmitted          *prometheus.CounterVec
	HandlerFailures        *prometheus.CounterVec
	ExternalWebhookFailures prometheus.Counter
}

// NewMetrics creates and registers the C9 metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphcore_events_emitted_total",
			Help: "Total events handed to the dispatcher, by event type.",
		}, []string{"event_type"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphcore_handler_failures_total",
			Help: "Total internal handler invocations that panicked (recovered), by event type.",
		}, []string{"event_type"}),
		ExternalWebhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcore_external_webhook_failures_total",
			Help: "Total external webhook POSTs that failed or returned >=400.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsEmitted, m.HandlerFailures, m.ExternalWebhookFailures)
	}
	return m
}

// Dispatcher is the C9 Unified Webhook/Event Dispatcher.
type Dispatcher struct {
	cfg       Config
	http      *http.Client
	metrics   *Metrics
	sem       *semaphore.Weighted
	handlers  []namedHandler
	logger    *zap.Logger
}

type namedHandler struct {
	name    string
	handler Handler
}

// New creates a Dispatcher.
func New(cfg Config, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Dispatcher{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.WebhookTimeout},
		metrics: metrics,
		sem:     semaphore.NewWeighted(maxConcurrent),
		logger:  logger.Named("dispatch"),
	}
}

// RegisterHandler adds an internal handler (e.g. the WebSocket broadcaster)
// to the fan-out set. Not safe to call concurrently with Dispatch*; callers
// register all handlers at startup before traffic begins, matching the
// teacher's add_internal_handler-at-wiring-time usage.
func (d *Dispatcher) RegisterHandler(name string, h Handler) {
	d.handlers = append(d.handlers, namedHandler{name: name, handler: h})
}

// DispatchMutation emits a NodeMutationEvent (worker calls this on commit).
func (d *Dispatcher) DispatchMutation(ctx context.Context, ev domain.NodeMutationEvent) {
	d.dispatch(ctx, "node_mutation", ev)
}

// DispatchAccess emits a NodeAccessEvent (read paths call this).
func (d *Dispatcher) DispatchAccess(ctx context.Context, ev domain.NodeAccessEvent) {
	d.dispatch(ctx, "node_access", ev)
}

func (d *Dispatcher) dispatch(ctx context.Context, eventType string, payload any) {
	d.metrics.EventsEmitted.WithLabelValues(eventType).Inc()
	if len(d.handlers) == 0 && d.cfg.WebhookURL == "" {
		return
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.logger.Warn("dispatch dropped: failed to acquire worker slot", zap.Error(err))
		return
	}
	defer d.sem.Release(1)

	g, gctx := errgroup.WithContext(ctx)

	for _, h := range d.handlers {
		h := h
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.metrics.HandlerFailures.WithLabelValues(eventType).Inc()
					d.logger.Error("internal handler panicked", zap.String("handler", h.name), zap.Any("panic", r))
				}
			}()
			h.handler(gctx, eventType, payload)
			return nil
		})
	}

	if d.cfg.WebhookURL != "" {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.metrics.ExternalWebhookFailures.Inc()
					d.logger.Error("external webhook handler panicked", zap.Any("panic", r))
				}
			}()
			if err := d.sendWebhook(gctx, eventType, payload); err != nil {
				d.metrics.ExternalWebhookFailures.Inc()
				d.logger.Error("external webhook failed", zap.Error(err))
			}
			return nil
		})
	}

	// errgroup's functions never return non-nil here (failures are logged
	// and swallowed per-handler, matching the teacher's
	// asyncio.gather(..., return_exceptions=True) semantics: one handler's
	// failure must never suppress another's delivery), so Wait only blocks
	// for completion.
	_ = g.Wait()
}

func (d *Dispatcher) sendWebhook(ctx context.Context, eventType string, payload any) error {
	body, err := sonic.Marshal(map[string]any{"event_type": eventType, "payload": payload})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.WebhookMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.http.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			lastErr = domain.ErrTransientAdapter
			continue
		}
		return nil
	}
	return lastErr
}
