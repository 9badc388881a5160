package stomp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

// dedupeTimeout bounds a single de-duplication lookup
const dedupeTimeout = 2 * time.Second

// MessageHandler turns MESSAGE frames into notifications for the registered handler
type MessageHandler struct {
	registry *SubscriptionRegistry
	dedupe   notify.Deduplicator
	metrics  *notify.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewMessageHandler creates a handler. dedupe and metrics may be nil.
func NewMessageHandler(registry *SubscriptionRegistry, dedupe notify.Deduplicator, metrics *notify.Metrics, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{
		registry: registry,
		dedupe:   dedupe,
		metrics:  metrics,
		now:      time.Now,
		logger:   logger,
	}
}

// Handle decodes and delivers one MESSAGE body. It never returns an error;
// anything that cannot be delivered is logged, counted and dropped.
func (h *MessageHandler) Handle(subscriptionID, destination string, body []byte) {
	handler, subscribed, ok := h.registry.HandlerFor(subscriptionID)
	if !ok {
		h.logger.Debug("Dropping message for inactive subscription",
			"function", "Handle",
			"subscription_id", subscriptionID,
			"destination", destination)
		h.metrics.IncMessage(notify.OutcomeForeign)
		return
	}

	var n notify.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.Warn("Dropping malformed notification",
			"function", "Handle",
			"subscription_id", subscriptionID,
			"size", len(body),
			"error", err)
		h.metrics.IncMessage(notify.OutcomeMalformed)
		return
	}

	if h.duplicate(n.ID) {
		h.logger.Debug("Dropping duplicate notification",
			"function", "Handle",
			"id", n.ID.String())
		h.metrics.IncMessage(notify.OutcomeDuplicate)
		return
	}

	if destination == "" {
		destination = subscribed
	}
	n.Destination = destination
	n.ReceivedAt = h.now()

	if h.deliver(handler, n) {
		h.metrics.IncMessage(notify.OutcomeDelivered)
	}
}

// duplicate fails open: a store error delivers the notification
func (h *MessageHandler) duplicate(id notify.RecordID) bool {
	if h.dedupe == nil || id == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), dedupeTimeout)
	defer cancel()

	seen, err := h.dedupe.Seen(ctx, id.String())
	if err != nil {
		h.logger.Warn("De-duplication lookup failed, delivering",
			"function", "duplicate",
			"id", id.String(),
			"error", err)
		return false
	}
	return seen
}

// deliver runs the consumer handler; a panic is logged and swallowed
func (h *MessageHandler) deliver(handler notify.NotificationHandler, n notify.Notification) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic in notification handler",
				"function", "deliver",
				"id", n.ID.String(),
				"panic", r)
			ok = false
		}
	}()
	handler(n)
	return true
}
