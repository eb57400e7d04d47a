package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Governance event names delivered to subscribers
const (
	EventPolicyViolation    = "policy.violation"
	EventBudgetExceeded     = "budget.exceeded"
	EventBreakerStateChange = "breaker.state_change"
)

// Delivery headers. The delivery id is stable across retries so
// consumers can deduplicate.
const (
	HeaderSignature = "X-Governance-Signature"
	HeaderDelivery  = "X-Governance-Delivery"
	HeaderEvent     = "X-Governance-Event"
)

// Subscriber is one webhook endpoint with its signing secret and the
// events it wants
type Subscriber struct {
	ID     uuid.UUID `json:"id"`
	URL    string    `json:"url"`
	Secret string    `json:"secret"`
	Events []string  `json:"events"`
}

func (s Subscriber) wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Envelope is the fixed JSON shape of every delivered event
type Envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Dispatcher fans governance events out to subscribers. Deliveries
// run on background goroutines with backoff retry; a failing endpoint
// never blocks the request path. Delivery lifetime is bound to the
// dispatcher, not the originating request: the request context is
// usually canceled the moment the handler returns, long before the
// retry schedule has run.
type Dispatcher struct {
	subscribers []Subscriber
	client      *http.Client
	logger      *zap.Logger
	schedule    []time.Duration
	now         func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the standard retry schedule:
// immediate, then 1m, 5m, 15m and 1h after the previous attempt.
func NewDispatcher(subscribers []Subscriber, logger *zap.Logger) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subscribers: subscribers,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		schedule:    []time.Duration{0, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour},
		now:         time.Now,
		base:        base,
		cancel:      cancel,
	}
}

// Dispatch delivers event to every interested subscriber in the
// background and returns immediately. ctx carries no cancellation into
// the deliveries; they outlive the request that produced the event.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, data interface{}) {
	envelope := Envelope{
		Event:     event,
		Timestamp: d.now().UTC(),
		Data:      data,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("failed to marshal webhook envelope",
			zap.String("event", event), zap.Error(err))
		return
	}

	for _, sub := range d.subscribers {
		if !sub.wants(event) {
			continue
		}

		d.wg.Add(1)
		go func(sub Subscriber) {
			defer d.wg.Done()
			d.deliver(d.base, sub, event, body)
		}(sub)
	}
}

// Flush blocks until all in-flight deliveries finish
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

// Close abandons pending retries and waits for delivery goroutines to
// exit. Used on shutdown so an endpoint deep in its backoff schedule
// cannot hold the process open.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, event string, body []byte) {
	deliveryID := uuid.New().String()
	signature := Sign(sub.Secret, body)

	for attempt, delay := range d.schedule {
		if delay > 0 {
			select {
			case <-ctx.Done():
				d.logger.Warn("webhook delivery abandoned",
					zap.String("delivery_id", deliveryID),
					zap.String("url", sub.URL))
				return
			case <-time.After(delay):
			}
		}

		err := d.attempt(ctx, sub, event, deliveryID, signature, body)
		if err == nil {
			d.logger.Debug("webhook delivered",
				zap.String("delivery_id", deliveryID),
				zap.String("event", event),
				zap.Int("attempt", attempt+1))
			return
		}

		d.logger.Warn("webhook delivery attempt failed",
			zap.String("delivery_id", deliveryID),
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	d.logger.Error("webhook delivery exhausted retries",
		zap.String("delivery_id", deliveryID),
		zap.String("event", event),
		zap.String("url", sub.URL))
}

func (d *Dispatcher) attempt(ctx context.Context, sub Subscriber, event, deliveryID, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSignature, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret; consumers
// recompute it over the raw request body to authenticate the sender
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
