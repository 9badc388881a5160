package stomp

import (
	"log/slog"
	"sync"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

// subscriptionIntent is the one subscription the consumer asked for
type subscriptionIntent struct {
	destination string
	handler     notify.NotificationHandler
}

// activeSubscription is the intent as applied on the current connection
type activeSubscription struct {
	id          string
	destination string
	handler     notify.NotificationHandler
}

// SubscriptionRegistry keeps the subscription intent durable across reconnects.
// At most one subscription is active at any time.
type SubscriptionRegistry struct {
	mu     sync.Mutex
	intent *subscriptionIntent
	active *activeSubscription
	logger *slog.Logger
}

func NewSubscriptionRegistry(logger *slog.Logger) *SubscriptionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRegistry{logger: logger}
}

// SetIntent records the subscription. With a live handle the current subscription
// is unsubscribed first and the new one subscribed; with a nil handle only the
// intent is recorded.
func (r *SubscriptionRegistry) SetIntent(destination string, handler notify.NotificationHandler, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.intent = &subscriptionIntent{destination: destination, handler: handler}
	if h == nil {
		r.logger.Debug("Subscription intent recorded",
			"function", "SetIntent",
			"destination", destination)
		return
	}

	r.unsubscribeActiveLocked(h)
	r.subscribeIntentLocked(h)
}

// Reapply is called after every successful open. The stale active record is
// dropped and the intent, if any, is subscribed once on the new handle.
func (r *SubscriptionRegistry) Reapply(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A record that survived a close is stale; nothing to unsubscribe on the new connection
	r.active = nil
	if r.intent == nil {
		return
	}
	r.subscribeIntentLocked(h)
}

// ClearActive forgets the active record without network I/O
func (r *SubscriptionRegistry) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}

// Clear removes both the intent and the active record without network I/O
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intent = nil
	r.active = nil
}

// Intent returns the recorded destination and handler
func (r *SubscriptionRegistry) Intent() (string, notify.NotificationHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.intent == nil {
		return "", nil, false
	}
	return r.intent.destination, r.intent.handler, true
}

// ActiveID returns the id of the active subscription, or "" when none is active
func (r *SubscriptionRegistry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.id
}

// HandlerFor returns the handler for a MESSAGE frame's subscription id.
// Frames for any id other than the active one are not delivered.
func (r *SubscriptionRegistry) HandlerFor(subscriptionID string) (notify.NotificationHandler, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.id != subscriptionID {
		return nil, "", false
	}
	return r.active.handler, r.active.destination, true
}

func (r *SubscriptionRegistry) unsubscribeActiveLocked(h Handle) {
	if r.active == nil {
		return
	}
	id := r.active.id
	r.active = nil
	if err := h.Unsubscribe(id); err != nil {
		r.logger.Warn("Unsubscribe failed",
			"function", "unsubscribeActiveLocked",
			"subscription_id", id,
			"error", err)
	}
}

func (r *SubscriptionRegistry) subscribeIntentLocked(h Handle) {
	id := generateSubscriptionID()
	if err := h.Subscribe(r.intent.destination, id); err != nil {
		// The close that follows will trigger another Reapply
		r.logger.Warn("Subscribe failed",
			"function", "subscribeIntentLocked",
			"destination", r.intent.destination,
			"error", err)
		return
	}
	r.active = &activeSubscription{
		id:          id,
		destination: r.intent.destination,
		handler:     r.intent.handler,
	}
	r.logger.Info("Subscribed",
		"function", "subscribeIntentLocked",
		"destination", r.intent.destination,
		"subscription_id", id)
}
