package webhooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/order"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpay",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpay",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter forwards order lifecycle events to webhook subscribers. Both the
// order's creator and its paired agent are notified. All methods are
// fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

var _ order.EventEmitter = (*Emitter)(nil)

// EmitOrderEvent maps an internal lifecycle event name ("order_created",
// "order_paid", ...) onto a webhook event and dispatches it to the order's
// parties.
func (e *Emitter) EmitOrderEvent(event string, o *order.Order) {
	if e == nil || e.d == nil {
		return
	}

	eventType := EventType(strings.Replace(event, "order_", "order.", 1))
	if !IsKnownEventType(string(eventType)) {
		// Intermediate matching states are not delivered externally.
		return
	}

	data := map[string]interface{}{
		"orderId":   o.ID,
		"taskId":    o.TaskID,
		"creatorId": o.CreatorID,
		"status":    string(o.Status),
		"gross":     o.GrossAmount,
	}
	if o.AgentID != "" {
		data["agentAddr"] = o.AgentID
	}
	if o.NetAmount != "" {
		data["netAmount"] = o.NetAmount
		data["feeAmount"] = o.FeeAmount
	}
	if o.LastPayTxHash != "" {
		data["txHash"] = o.LastPayTxHash
	}

	e.emit(o.CreatorID, eventType, data)
	if o.AgentID != "" && !strings.EqualFold(o.AgentID, o.CreatorID) {
		e.emit(o.AgentID, eventType, data)
	}
}

func (e *Emitter) emit(subscriberAddr string, eventType EventType, data map[string]interface{}) {
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchTo(ctx, subscriberAddr, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "subscriber", subscriberAddr, "error", err)
	}
}
