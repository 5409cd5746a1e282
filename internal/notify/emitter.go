package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/gigvault/gigvault/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigvault",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Broadcaster pushes an event to connected realtime clients.
type Broadcaster interface {
	Broadcast(event string, contractID string, data map[string]interface{})
}

// Emitter fans contract lifecycle events out to webhook subscribers and
// the realtime stream. All methods are fire-and-forget: a nil Emitter
// is safe to call, and errors are logged but never returned. Contract
// and ledger operations must not fail because a notification couldn't
// be delivered.
type Emitter struct {
	d         *Dispatcher
	broadcast Broadcaster
	logger    *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// WithBroadcaster attaches a realtime broadcaster for connected clients.
func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.broadcast = b
	return e
}

// Emit publishes a contract lifecycle event. Unknown event names are
// logged and dropped so a typo in a caller can't poison subscribers.
func (e *Emitter) Emit(event, contractID string) {
	if e == nil {
		return
	}
	eventType := EventType(event)
	if !KnownEvent(eventType) {
		e.logger.Warn("dropping unknown notification event", "event", event, "contractId", contractID)
		return
	}
	e.emit(eventType, map[string]interface{}{"contractId": contractID})
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()

	if e.broadcast != nil {
		contractID, _ := data["contractId"].(string)
		e.broadcast.Broadcast(string(eventType), contractID, data)
	}

	if e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// Detached context: delivery outlives the request that emitted it.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "error", err)
	}
}
