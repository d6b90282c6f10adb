// Package webhooks delivers engine events to operator-configured HTTP
// endpoints. Each delivery is a JSON POST of the event, signed with
// HMAC-SHA256 over the body when a secret is configured.
//
// Delivery is asynchronous and best effort: the engine never waits on a
// webhook, and a full queue drops the event rather than stalling settlement.
// Consumers that need every event replay GET /v1/events by sequence number.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tradevault/internal/circuitbreaker"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-TradeVault-Event"
	HeaderDelivery  = "X-TradeVault-Delivery"
	HeaderTimestamp = "X-TradeVault-Timestamp"
	HeaderSignature = "X-TradeVault-Signature"
)

const defaultQueueSize = 1024

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradevault",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery outcomes by result.",
	}, []string{"result"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradevault",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal)
}

// Endpoint is one delivery target.
type Endpoint struct {
	URL    string
	Secret string
	Types  []events.Type // empty means every type
}

func (e Endpoint) wants(t events.Type) bool {
	if len(e.Types) == 0 {
		return true
	}
	for _, want := range e.Types {
		if want == t {
			return true
		}
	}
	return false
}

type job struct {
	endpoint Endpoint
	evt      events.Event
}

// Dispatcher queues events and delivers them from a single worker. It
// implements events.Sink so it can sit on the engine's bus.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    *slog.Logger
	queue     chan job
	now       func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher for endpoints. Call Run to start delivery.
func NewDispatcher(endpoints []Endpoint, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		breaker:   circuitbreaker.New(5, time.Minute),
		policy:    retry.DefaultPolicy,
		logger:    logger,
		queue:     make(chan job, defaultQueueSize),
		now:       time.Now,
	}
}

// WithRetryPolicy overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithClient overrides the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// Endpoints returns the configured targets.
func (d *Dispatcher) Endpoints() []Endpoint { return d.endpoints }

// Publish queues evt for every endpoint that wants it. It never blocks.
func (d *Dispatcher) Publish(_ context.Context, evt events.Event) error {
	for _, ep := range d.endpoints {
		if !ep.wants(evt.Type) {
			continue
		}
		select {
		case d.queue <- job{endpoint: ep, evt: evt}:
		default:
			droppedTotal.Inc()
			d.logger.Warn("webhook queue full, dropping event",
				"url", ep.URL, "event", string(evt.Type), "event_id", evt.ID)
		}
	}
	return nil
}

// Run delivers queued events until ctx is done. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	payload, err := json.Marshal(j.evt)
	if err != nil {
		deliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Error("webhook payload encoding failed", "event_id", j.evt.ID, "error", err)
		return
	}

	err = d.breaker.Do(j.endpoint.URL, func() error {
		return retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.post(ctx, j.endpoint, j.evt, payload)
		})
	})
	switch {
	case err == nil:
		deliveriesTotal.WithLabelValues("delivered").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		deliveriesTotal.WithLabelValues("circuit_open").Inc()
		d.logger.Warn("webhook endpoint circuit open, skipping",
			"url", j.endpoint.URL, "event_id", j.evt.ID)
	default:
		deliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"url", j.endpoint.URL, "event", string(j.evt.Type), "event_id", j.evt.ID, "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, evt events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(evt.Type))
	req.Header.Set(HeaderDelivery, evt.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s: status %d", ep.URL, resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook %s: status %d", ep.URL, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
// Binding the timestamp lets receivers reject replayed deliveries.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery signature in constant time.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, payload))
	return hmac.Equal(got, want)
}
