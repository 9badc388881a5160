package stomp

import (
	"log/slog"
	"sync"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

// ReconnectNotifier tells consumers that a connection recovered after failures.
// It holds the single callback passed to Connect plus any number of channel listeners,
// so registering a listener never replaces someone else's.
type ReconnectNotifier struct {
	mu        sync.Mutex
	callback  func()
	listeners map[uint64]chan notify.ReconnectEvent
	nextID    uint64
	logger    *slog.Logger
}

func NewReconnectNotifier(logger *slog.Logger) *ReconnectNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconnectNotifier{
		listeners: make(map[uint64]chan notify.ReconnectEvent),
		logger:    logger,
	}
}

// SetCallback replaces the Connect-supplied callback; nil clears it
func (n *ReconnectNotifier) SetCallback(cb func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callback = cb
}

// Listen registers a channel listener. The returned func unregisters it and closes the channel.
// Events are dropped for a listener whose buffer is full.
func (n *ReconnectNotifier) Listen(buffer int) (<-chan notify.ReconnectEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan notify.ReconnectEvent, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners, id)
			close(ch)
		})
	}
}

// Notify invokes the callback once and offers the event to every listener.
// It must be called without holding the ConnectionManager lock.
func (n *ReconnectNotifier) Notify(event notify.ReconnectEvent) {
	n.mu.Lock()
	cb := n.callback
	for id, ch := range n.listeners {
		select {
		case ch <- event:
		default:
			n.logger.Warn("Reconnect listener is full, dropping event",
				"function", "Notify",
				"listener", id)
		}
	}
	n.mu.Unlock()

	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Panic in reconnect callback",
				"function", "Notify",
				"panic", r)
		}
	}()
	cb()
}
