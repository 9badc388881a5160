package stomp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

// CredentialFunc returns the bearer credential for a dial. It is called once per attempt.
type CredentialFunc func(ctx context.Context) (string, error)

// Events receives the lifecycle of one Handle.
// Calls for a handle are sequential: Opened, then Message/ProtocolError, then at most one Closed.
// Nothing is delivered after the handle's Close was called.
type Events interface {
	Opened()
	Message(subscriptionID, destination string, body []byte)
	ProtocolError(message string, body []byte)
	Closed(err error)
}

// Handle is one connection attempt
type Handle interface {
	// Subscribe and Unsubscribe queue a frame and never block on the network
	Subscribe(destination, id string) error
	Unsubscribe(id string) error
	// Close deactivates the handle. It is idempotent and does not block.
	Close() error
}

// Transport creates handles. Open must not block; the dial happens in the background.
// A Transport never reconnects on its own.
type Transport interface {
	Open(ctx context.Context, credential CredentialFunc, events Events) Handle
}

// TransportOptions configures StompTransport
type TransportOptions struct {
	// Endpoint is the broker base URL, e.g. https://app.example.com/ws
	Endpoint           string
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	PollRequestTimeout time.Duration
	DisableFallback    bool
	TLSConfig          *tls.Config
	// HTTPClient is used by the xhr-polling fallback
	HTTPClient *http.Client
	UserAgent  string
}

// TransportOptionsFromConfig maps the client config to transport options
func TransportOptionsFromConfig(cfg *notify.Config) TransportOptions {
	return TransportOptions{
		Endpoint:           cfg.Endpoint,
		HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
		WriteTimeout:       cfg.Transport.WriteTimeout,
		PollRequestTimeout: cfg.Transport.PollRequestTimeout,
		DisableFallback:    cfg.Transport.DisableFallback,
	}
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = notify.DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = notify.DefaultWriteTimeout
	}
	if o.PollRequestTimeout <= 0 {
		o.PollRequestTimeout = notify.DefaultPollRequestTimout
	}
	if o.UserAgent == "" {
		o.UserAgent = "notify-adapter/1.0"
	}
	return o
}

// wire is an established byte pipe carrying STOMP frames as text messages
type wire interface {
	// Read blocks until the next batch of text messages arrives
	Read(ctx context.Context) ([][]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
	Kind() string
}

// wireDialer opens a wire with the given bearer credential
type wireDialer interface {
	dial(ctx context.Context, credential string) (wire, error)
	name() string
}

// StompTransport speaks STOMP 1.2 over a WebSocket and falls back to
// SockJS xhr-polling when the upgrade is refused.
type StompTransport struct {
	opts    TransportOptions
	host    string
	dialers []wireDialer
	logger  *slog.Logger
}

// NewTransport creates the default transport
func NewTransport(opts TransportOptions, logger *slog.Logger) (*StompTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	ws, err := newWebSocketDialer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure websocket transport: %w", err)
	}
	dialers := []wireDialer{ws}

	if !opts.DisableFallback {
		xhr, err := newSockJSDialer(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to configure xhr-polling transport: %w", err)
		}
		dialers = append(dialers, xhr)
	}

	return &StompTransport{
		opts:    opts,
		host:    ws.host,
		dialers: dialers,
		logger:  logger,
	}, nil
}

// Open starts a connection attempt in the background
func (t *StompTransport) Open(ctx context.Context, credential CredentialFunc, events Events) Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &stompHandle{
		transport:  t,
		credential: credential,
		events:     events,
		ctx:        hctx,
		cancel:     cancel,
		outbound:   make(chan *frame.Frame, 16),
		logger:     t.logger.With("handle", generateHandleID()),
	}
	go h.run()
	return h
}

// dial tries each dialer in order. The next one is only tried when the previous
// could not establish a pipe for a reason other than the credential.
func (t *StompTransport) dial(ctx context.Context, credential string) (wire, error) {
	var lastErr error
	for i, d := range t.dialers {
		w, err := d.dial(ctx, credential)
		if err == nil {
			return w, nil
		}
		lastErr = err

		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, err
		}
		if i+1 < len(t.dialers) {
			t.logger.Warn("Transport unavailable, trying fallback",
				"function", "dial",
				"transport", d.name(),
				"fallback", t.dialers[i+1].name(),
				"error", err)
		}
	}
	return nil, lastErr
}

type inbound struct {
	data [][]byte
	err  error
}

// stompHandle runs one STOMP session over whichever wire the transport could open
type stompHandle struct {
	transport  *StompTransport
	credential CredentialFunc
	events     Events
	ctx        context.Context
	cancel     context.CancelFunc
	outbound   chan *frame.Frame
	logger     *slog.Logger

	mu     sync.Mutex
	opened bool
	closed bool
}

func (h *stompHandle) Subscribe(destination, id string) error {
	return h.enqueue(subscribeFrame(destination, id))
}

func (h *stompHandle) Unsubscribe(id string) error {
	return h.enqueue(unsubscribeFrame(id))
}

func (h *stompHandle) enqueue(f *frame.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.opened {
		return ErrNotConnected
	}
	select {
	case h.outbound <- f:
		return nil
	default:
		return fmt.Errorf("outbound queue full: %w", ErrNotConnected)
	}
}

func (h *stompHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	return nil
}

func (h *stompHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// run owns the events: every callback is made from this goroutine
func (h *stompHandle) run() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic in connection goroutine",
				"function", "run",
				"panic", r)
			h.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	credential, err := h.credential(h.ctx)
	if err != nil {
		h.fail(fmt.Errorf("failed to get credential: %w", err))
		return
	}

	w, err := h.transport.dial(h.ctx, credential)
	if err != nil {
		h.fail(err)
		return
	}
	defer w.Close()

	pending, err := h.handshake(w, credential)
	if err != nil {
		h.fail(err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.opened = true
	h.mu.Unlock()

	h.logger.Info("STOMP session established",
		"function", "run",
		"transport", w.Kind())

	incoming := make(chan inbound, 100)
	writeErrs := make(chan error, 1)
	go h.readMessages(w, incoming)
	go h.writeMessages(w, writeErrs)

	h.events.Opened()

	// CONNECTED may arrive batched with the first messages
	for _, f := range pending {
		h.processFrame(f)
	}

	for {
		select {
		case <-h.ctx.Done():
			h.sayGoodbye(w)
			return

		case msg := <-incoming:
			if msg.err != nil {
				h.fail(msg.err)
				return
			}
			for _, data := range msg.data {
				h.processOneMessage(data)
			}

		case err := <-writeErrs:
			h.fail(err)
			return
		}
	}
}

// handshake sends CONNECT and waits for CONNECTED
func (h *stompHandle) handshake(w wire, credential string) ([]*frame.Frame, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.transport.opts.HandshakeTimeout)
	defer cancel()

	data, err := encodeFrame(connectFrame(h.transport.host, credential))
	if err != nil {
		return nil, err
	}
	if err := w.Write(ctx, data); err != nil {
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	for {
		batch, err := w.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed waiting for CONNECTED: %w", err)
		}
		for _, msg := range batch {
			frames, err := parseFrames(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to parse handshake reply: %w", err)
			}
			for i, f := range frames {
				switch f.Command {
				case frame.CONNECTED:
					h.logger.Debug("CONNECTED received",
						"function", "handshake",
						"version", f.Header.Get(frame.Version),
						"server", f.Header.Get(frame.Server))
					return frames[i+1:], nil
				case frame.ERROR:
					return nil, classifyErrorFrame(f)
				default:
					h.logger.Warn("Unexpected frame before CONNECTED",
						"function", "handshake",
						"command", f.Command)
				}
			}
		}
	}
}

// readMessages only reads; it never processes
func (h *stompHandle) readMessages(w wire, incoming chan<- inbound) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic in readMessages",
				"function", "readMessages",
				"panic", r)
		}
	}()

	for {
		batch, err := w.Read(h.ctx)
		select {
		case incoming <- inbound{data: batch, err: err}:
		case <-h.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// writeMessages drains the outbound queue
func (h *stompHandle) writeMessages(w wire, errs chan<- error) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case f := <-h.outbound:
			data, err := encodeFrame(f)
			if err != nil {
				h.logger.Error("Failed to encode frame",
					"function", "writeMessages",
					"command", f.Command,
					"error", err)
				continue
			}

			ctx, cancel := context.WithTimeout(h.ctx, h.transport.opts.WriteTimeout)
			err = w.Write(ctx, data)
			cancel()
			if err != nil {
				select {
				case errs <- fmt.Errorf("failed to send %s: %w", f.Command, err):
				default:
				}
				return
			}
			h.logger.Debug("Frame sent",
				"function", "writeMessages",
				"command", f.Command)
		}
	}
}

// processOneMessage handles a single text message, which may carry several frames
func (h *stompHandle) processOneMessage(data []byte) {
	frames, err := parseFrames(data)
	if err != nil {
		h.logger.Warn("Dropping unparseable message",
			"function", "processOneMessage",
			"size", len(data),
			"error", err)
	}
	for _, f := range frames {
		h.processFrame(f)
	}
}

func (h *stompHandle) processFrame(f *frame.Frame) {
	if h.isClosed() {
		return
	}

	switch f.Command {
	case frame.MESSAGE:
		h.events.Message(f.Header.Get(frame.Subscription), f.Header.Get(frame.Destination), f.Body)

	case frame.ERROR:
		h.logger.Warn("Broker sent ERROR frame",
			"function", "processFrame",
			"message", f.Header.Get(frame.Message))
		h.events.ProtocolError(f.Header.Get(frame.Message), f.Body)

	case frame.RECEIPT:
		h.logger.Debug("Receipt",
			"function", "processFrame",
			"receipt_id", f.Header.Get(frame.ReceiptId))

	default:
		h.logger.Warn("Unknown frame",
			"function", "processFrame",
			"command", f.Command)
	}
}

// sayGoodbye sends DISCONNECT on a deliberate close
func (h *stompHandle) sayGoodbye(w wire) {
	data, err := encodeFrame(disconnectFrame())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.transport.opts.WriteTimeout)
	defer cancel()
	if err := w.Write(ctx, data); err != nil {
		h.logger.Debug("DISCONNECT not delivered",
			"function", "sayGoodbye",
			"error", err)
	}
}

// fail reports the end of the session unless it was closed on purpose
func (h *stompHandle) fail(err error) {
	if h.isClosed() || h.ctx.Err() != nil {
		return
	}
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.logger.Warn("Connection ended",
		"function", "fail",
		"error", err)
	h.events.Closed(err)
	h.cancel()
}
