// Package webhooks fans lifecycle events out to user-registered endpoints:
// plain HTTP, Slack, Discord and an email bridge. Delivery is asynchronous
// with per-attempt timeouts and bounded retries, so a slow subscriber can
// never stall the execution path.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalswap/backend/internal/core"
	"github.com/signalswap/backend/internal/metrics"
)

const (
	maxAttempts    = 4
	attemptTimeout = 5 * time.Second
	queueDepth     = 1000
)

// backoffFor spaces retry attempts: 1s, 2s, 4s, 8s.
func backoffFor(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// SubscriptionSource loads the enabled subscriptions for a user.
type SubscriptionSource interface {
	ListEnabledByUser(ctx context.Context, userID string) ([]core.WebhookSubscription, error)
	MarkDelivered(ctx context.Context, webhookID string) error
	MarkFailed(ctx context.Context, webhookID string) error
}

type deliveryJob struct {
	sub     core.WebhookSubscription
	event   core.Event
	attempt int
}

// Dispatcher delivers events through a background worker pool.
type Dispatcher struct {
	subs       SubscriptionSource
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup

	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(subs SubscriptionSource, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		subs:       subs,
		httpClient: &http.Client{Timeout: attemptTimeout},
		queue:      make(chan *deliveryJob, queueDepth),
		logger:     log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Publish enqueues the event for every matching subscription of the event's
// user. Never blocks: when the queue is full the delivery is dropped with a
// warning.
func (d *Dispatcher) Publish(event core.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	subs, err := d.subs.ListEnabledByUser(ctx, event.UserID)
	if err != nil {
		d.logger.Printf("⚠️  load subscriptions for user %s: %v", event.UserID, err)
		return
	}

	for _, sub := range subs {
		if !sub.Wants(event.Kind) {
			continue
		}
		select {
		case d.queue <- &deliveryJob{sub: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("⚠️  delivery queue full, dropping %s for webhook %s", event.Kind, sub.ID)
			metrics.WebhookDeliveries.WithLabelValues(string(sub.Kind), "dropped").Inc()
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver runs one delivery with its retry loop. Retries happen inline in
// the worker: delivery order per subscriber matters less than bounding the
// number of in-flight goroutines.
func (d *Dispatcher) deliver(job *deliveryJob) {
	for ; job.attempt <= maxAttempts; job.attempt++ {
		if job.attempt > 1 {
			time.Sleep(backoffFor(job.attempt - 1))
		}
		if err := d.attempt(job); err != nil {
			d.logger.Printf("⚠️  %s -> %s attempt %d/%d failed: %v",
				job.event.Kind, job.sub.ID, job.attempt, maxAttempts, err)
			continue
		}

		metrics.WebhookDeliveries.WithLabelValues(string(job.sub.Kind), "ok").Inc()
		d.markOutcome(job.sub.ID, true)
		return
	}

	d.logger.Printf("❌ %s -> %s gave up after %d attempts", job.event.Kind, job.sub.ID, maxAttempts)
	metrics.WebhookDeliveries.WithLabelValues(string(job.sub.Kind), "failed").Inc()
	d.markOutcome(job.sub.ID, false)
}

func (d *Dispatcher) attempt(job *deliveryJob) error {
	payload, err := Render(job.sub.Kind, job.event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.sub.Destination, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SignalSwap-Event", string(job.event.Kind))
	req.Header.Set("X-SignalSwap-Delivery", uuid.New().String())
	req.Header.Set("X-SignalSwap-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-SignalSwap-Signature", "sha256="+SignPayload(payload, job.sub.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) markOutcome(webhookID string, delivered bool) {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	var err error
	if delivered {
		err = d.subs.MarkDelivered(ctx, webhookID)
	} else {
		err = d.subs.MarkFailed(ctx, webhookID)
	}
	if err != nil {
		d.logger.Printf("⚠️  record delivery outcome for %s: %v", webhookID, err)
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// SignPayload computes the HMAC-SHA256 hex signature subscribers use to
// verify deliveries.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
