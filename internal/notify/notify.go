// Package notify delivers contract lifecycle events to subscribers.
//
// Platform services can register webhook URLs to hear about contract
// and escrow transitions. Delivery is fire-and-forget: emitting never
// blocks or fails the operation that caused the event.
package notify

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

	"github.com/gigvault/gigvault/internal/metrics"
	"github.com/gigvault/gigvault/internal/retry"
)

// EventType represents the type of notification event.
type EventType string

const (
	EventContractProposed  EventType = "contract.proposed"
	EventContractAccepted  EventType = "contract.accepted"
	EventContractRejected  EventType = "contract.rejected"
	EventContractActivated EventType = "contract.activated"
	EventContractCompleted EventType = "contract.completed"
	EventContractCancelled EventType = "contract.cancelled"
	EventEscrowFunded      EventType = "escrow.funded"
	EventEscrowReleased    EventType = "escrow.released"
	EventEscrowRefunded    EventType = "escrow.refunded"
)

// KnownEvent reports whether the event type is one we emit.
func KnownEvent(e EventType) bool {
	switch e {
	case EventContractProposed, EventContractAccepted, EventContractRejected,
		EventContractActivated, EventContractCompleted, EventContractCancelled,
		EventEscrowFunded, EventEscrowReleased, EventEscrowRefunded:
		return true
	}
	return false
}

// Event is one notification delivery.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures is the point at which a subscription is
// deactivated instead of hammered forever.
const maxConsecutiveFailures = 10

// Dispatcher sends notification events over HTTP.
type Dispatcher struct {
	store  Store
	client *http.Client
	mu     sync.RWMutex
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends an event to every active subscriber of its type.
// Each delivery runs in its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(sub, event)
	}

	return nil
}

// send runs on its own context so a delivery isn't cancelled when the
// request that emitted the event finishes. Transient failures (network
// errors, 5xx) are retried with backoff; a 4xx response is not.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GigVault-Event", string(event.Type))
		req.Header.Set("X-GigVault-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

		if sub.Secret != "" {
			req.Header.Set("X-GigVault-Signature", sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.updateSuccess(ctx, sub)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}
