package stomp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

// options collects the optional collaborators of a ConnectionManager
type options struct {
	backoff   BackoffConfig
	scheduler Scheduler
	refresher notify.CredentialRefresher
	dedupe    notify.Deduplicator
	metrics   *notify.Metrics
}

// Option configures a ConnectionManager or NotificationClient
type Option func(*options)

// WithBackoff overrides the retry policy
func WithBackoff(cfg BackoffConfig) Option {
	return func(o *options) { o.backoff = cfg }
}

// WithScheduler replaces time.AfterFunc for retry timers
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithRefresher lets the credential holder replace expired or rejected credentials
func WithRefresher(r notify.CredentialRefresher) Option {
	return func(o *options) { o.refresher = r }
}

// WithDeduplicator drops notifications whose id was already delivered
func WithDeduplicator(d notify.Deduplicator) Option {
	return func(o *options) { o.dedupe = d }
}

func WithMetrics(m *notify.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// ConnectionManager owns the single connection of a session. It decides when to
// dial, reacts to opens and closes, and schedules retries through the backoff policy.
//
// Every transition runs under mu. Each handle is tagged with the epoch it was opened in
// and events carrying an older epoch are ignored, so a handle that was replaced or torn
// down can no longer change state. Consumer callbacks always run without mu held.
type ConnectionManager struct {
	mu sync.Mutex

	ctx         context.Context
	transport   Transport
	backoff     *BackoffScheduler
	registry    *SubscriptionRegistry
	credentials *CredentialHolder
	notifier    *ReconnectNotifier
	messages    *MessageHandler
	scheduler   Scheduler
	metrics     *notify.Metrics
	now         func() time.Time
	logger      *slog.Logger

	state  State
	handle Handle
	timer  Timer
	epoch  uint64
}

// NewConnectionManager creates a disconnected manager on top of transport
func NewConnectionManager(transport Transport, logger *slog.Logger, opts ...Option) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{backoff: DefaultBackoffConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scheduler == nil {
		o.scheduler = realScheduler{}
	}

	registry := NewSubscriptionRegistry(logger)
	return &ConnectionManager{
		ctx:         context.Background(),
		transport:   transport,
		backoff:     NewBackoffScheduler(o.backoff),
		registry:    registry,
		credentials: NewCredentialHolder(o.refresher, logger),
		notifier:    NewReconnectNotifier(logger),
		messages:    NewMessageHandler(registry, o.dedupe, o.metrics, logger),
		scheduler:   o.scheduler,
		metrics:     o.metrics,
		now:         time.Now,
		logger:      logger,
		state:       StateDisconnected,
	}
}

// Connect stores the credential and opens the connection unless a handle already exists.
// ctx only bounds this call; the connection outlives it. A non-nil onReconnect replaces
// the stored callback.
func (m *ConnectionManager) Connect(ctx context.Context, credential string, onReconnect func()) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		m.logger.Warn("Connect refused, retries exhausted; use ManualReconnect",
			"function", "Connect",
			"failures", m.backoff.Failures())
		return ErrStopped
	}

	m.credentials.Set(credential)
	if onReconnect != nil {
		m.notifier.SetCallback(onReconnect)
	}

	if m.handle != nil {
		m.logger.Debug("Connection already active, reusing",
			"function", "Connect",
			"state", m.state.String())
		return nil
	}

	// Resume after Teardown, which halted the scheduler
	m.backoff.Reset()
	m.activateLocked()
	return nil
}

// UpdateCredential replaces the credential used by future dials. The live connection is kept.
func (m *ConnectionManager) UpdateCredential(credential string) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	m.credentials.Set(credential)
	m.logger.Debug("Credential updated",
		"function", "UpdateCredential",
		"credential", maskCredential(credential))
	return nil
}

// Subscribe records the subscription intent and applies it right away when connected
func (m *ConnectionManager) Subscribe(destination string, handler notify.NotificationHandler) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	if handler == nil {
		return ErrNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var h Handle
	if m.state == StateConnected {
		h = m.handle
	}
	m.registry.SetIntent(destination, handler, h)
	return nil
}

// Teardown stops everything. It is safe in every state and idempotent.
func (m *ConnectionManager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// ManualReconnect tears down and connects again with a fresh backoff.
// The subscription intent survives and is applied once the new connection opens.
func (m *ConnectionManager) ManualReconnect(ctx context.Context, credential string, onReconnect func()) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	destination, handler, hasIntent := m.registry.Intent()
	m.teardownLocked()

	m.backoff.Reset()
	if hasIntent {
		m.registry.SetIntent(destination, handler, nil)
	}
	m.credentials.Set(credential)
	m.notifier.SetCallback(onReconnect)

	m.logger.Info("Manual reconnect",
		"function", "ManualReconnect",
		"resubscribe", hasIntent)
	m.activateLocked()
	return nil
}

func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// IsStopped reports whether automatic retries are off, either exhausted or torn down
func (m *ConnectionManager) IsStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Stopped()
}

func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnects registers a listener for recovery events
func (m *ConnectionManager) Reconnects() (<-chan notify.ReconnectEvent, func()) {
	return m.notifier.Listen(8)
}

// activateLocked replaces the handle with a fresh one. The dial reads the
// credential holder, so a retry always uses the current credential.
func (m *ConnectionManager) activateLocked() {
	if m.handle != nil {
		_ = m.handle.Close()
		m.handle = nil
	}

	m.epoch++
	m.state = StateConnecting
	m.metrics.IncConnectAttempt()

	m.logger.Info("Opening connection",
		"function", "activateLocked",
		"epoch", m.epoch,
		"failures", m.backoff.Failures())

	m.handle = m.transport.Open(m.ctx, m.credentials.Dial, handleEvents{m: m, epoch: m.epoch})
}

func (m *ConnectionManager) teardownLocked() {
	if m.handle == nil && m.timer == nil && m.state == StateDisconnected && !m.credentials.Has() {
		m.logger.Debug("Already torn down",
			"function", "Teardown")
	} else {
		m.logger.Info("Tearing down connection",
			"function", "Teardown",
			"state", m.state.String())
	}

	m.backoff.Reset()
	m.backoff.Halt()
	m.stopTimerLocked()
	m.registry.Clear()
	if m.handle != nil {
		_ = m.handle.Close()
		m.handle = nil
	}
	m.epoch++
	m.credentials.Clear()
	m.notifier.SetCallback(nil)
	m.state = StateDisconnected
	m.metrics.SetDisconnected()
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ConnectionManager) onOpened(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.handle == nil {
		m.mu.Unlock()
		m.logger.Debug("Ignoring open of superseded connection",
			"function", "onOpened",
			"epoch", epoch)
		return
	}

	failures := m.backoff.Failures()
	m.backoff.OnSuccess()
	m.state = StateConnected
	m.registry.Reapply(m.handle)
	m.metrics.ObserveOpened()
	if failures > 0 {
		m.metrics.IncReconnect()
	}
	m.mu.Unlock()

	m.logger.Info("Connection opened",
		"function", "onOpened",
		"epoch", epoch,
		"recovered", failures > 0)

	if failures > 0 {
		m.notifier.Notify(notify.ReconnectEvent{At: m.now(), Failures: failures})
	}
}

func (m *ConnectionManager) onClosed(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		m.logger.Debug("Ignoring close of superseded connection",
			"function", "onClosed",
			"epoch", epoch)
		return
	}

	m.state = StateDisconnected
	m.registry.ClearActive()
	if errors.Is(err, ErrUnauthorized) {
		m.credentials.MarkStale()
	}
	m.metrics.ObserveFailure(failureReason(err))

	delay, retry := m.backoff.OnFailure()
	if !retry {
		m.state = StateStopped
		m.stopTimerLocked()
		if m.handle != nil {
			_ = m.handle.Close()
			m.handle = nil
		}
		m.metrics.IncStop()
		m.logger.Error("Giving up after consecutive failures",
			"function", "onClosed",
			"failures", m.backoff.Failures(),
			"error", err)
		return
	}

	m.stopTimerLocked()
	m.timer = m.scheduler.AfterFunc(delay, func() { m.retry(epoch) })
	m.state = StateAwaitingRetry
	m.metrics.ObserveRetry(delay.Seconds())

	m.logger.Warn("Connection lost, retry scheduled",
		"function", "onClosed",
		"failures", m.backoff.Failures(),
		"delay", delay,
		"error", err)
}

// retry fires from the scheduler. A timer that fired after teardown or after a
// newer attempt was started finds a different epoch and does nothing.
func (m *ConnectionManager) retry(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.backoff.Stopped() || m.state != StateAwaitingRetry {
		return
	}
	m.timer = nil
	m.activateLocked()
}

// onMessage delivers outside the lock; the handler may take its time
func (m *ConnectionManager) onMessage(epoch uint64, subscriptionID, destination string, body []byte) {
	m.mu.Lock()
	current := epoch == m.epoch && m.state == StateConnected
	m.mu.Unlock()
	if !current {
		return
	}
	m.messages.Handle(subscriptionID, destination, body)
}

// onProtocolError only logs; the close that normally follows drives recovery
func (m *ConnectionManager) onProtocolError(epoch uint64, message string, body []byte) {
	m.logger.Warn("Protocol error from broker",
		"function", "onProtocolError",
		"epoch", epoch,
		"message", message,
		"body", truncate(body, 256))
}

// handleEvents binds transport events to the epoch of the handle that emits them
type handleEvents struct {
	m     *ConnectionManager
	epoch uint64
}

func (e handleEvents) Opened() { e.m.onOpened(e.epoch) }

func (e handleEvents) Message(subscriptionID, destination string, body []byte) {
	e.m.onMessage(e.epoch, subscriptionID, destination, body)
}

func (e handleEvents) ProtocolError(message string, body []byte) {
	e.m.onProtocolError(e.epoch, message, body)
}

func (e handleEvents) Closed(err error) { e.m.onClosed(e.epoch, err) }
