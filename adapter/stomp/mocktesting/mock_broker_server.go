package mocktesting

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// MockBrokerServer is a test STOMP broker reachable as a raw websocket at
// {URL}/websocket and through SockJS xhr-polling at {URL}/{server}/{session}/xhr.
// Every session is a user queue: Send delivers to every session subscribed to the destination.
type MockBrokerServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	sessions      map[string]*brokerSession
	rejectUpgrade int
	requiredToken string
	rejectConnect string
	pollTimeout   time.Duration

	connects       atomic.Int64
	subscribes     atomic.Int64
	wsSessions     atomic.Int64
	xhrSessions    atomic.Int64
	messageCounter atomic.Uint64
	sessionCounter atomic.Uint64
}

// brokerSession is one client connection, websocket or xhr-polling
type brokerSession struct {
	id   string
	kind string

	mu        sync.Mutex
	subs      map[string]string // subscription id -> destination
	connected bool

	// websocket sessions write directly, xhr sessions queue for the next poll
	conn    *websocket.Conn
	writeMu sync.Mutex
	outbox  chan string

	done      chan struct{}
	closeOnce sync.Once
}

// NewMockBrokerServer starts a TLS test server
func NewMockBrokerServer() *MockBrokerServer {
	mock := &MockBrokerServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{"v12.stomp"},
		},
		sessions:    make(map[string]*brokerSession),
		pollTimeout: 500 * time.Millisecond,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/websocket", mock.handleWebSocket)
	mux.HandleFunc("POST /ws/{server}/{session}/xhr", mock.handleXHR)
	mux.HandleFunc("POST /ws/{server}/{session}/xhr_send", mock.handleXHRSend)

	mock.server = httptest.NewTLSServer(mux)
	return mock
}

// URL returns the endpoint to configure the client with, e.g. https://127.0.0.1:port/ws
func (m *MockBrokerServer) URL() string {
	return m.server.URL + "/ws"
}

// Client returns an HTTP client trusting the test certificate
func (m *MockBrokerServer) Client() *http.Client {
	return m.server.Client()
}

// TLSConfig returns a TLS config trusting the test certificate, for the websocket dialer
func (m *MockBrokerServer) TLSConfig() *tls.Config {
	if t, ok := m.server.Client().Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		return t.TLSClientConfig.Clone()
	}
	return &tls.Config{InsecureSkipVerify: true}
}

// RejectUpgrade answers websocket upgrades with status. 0 accepts them again.
func (m *MockBrokerServer) RejectUpgrade(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectUpgrade = status
}

// RequireToken makes every request without "Bearer token" fail with 401
func (m *MockBrokerServer) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requiredToken = token
}

// RejectConnect answers CONNECT with an ERROR frame carrying message. "" accepts again.
func (m *MockBrokerServer) RejectConnect(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectConnect = message
}

// SetPollTimeout sets how long an idle xhr poll is held before a heartbeat is returned
func (m *MockBrokerServer) SetPollTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollTimeout = d
}

// Send pushes a MESSAGE to every subscription on destination and returns how many were sent
func (m *MockBrokerServer) Send(destination, body string) int {
	sent := 0
	for _, s := range m.snapshot() {
		s.mu.Lock()
		var ids []string
		for id, dest := range s.subs {
			if dest == destination {
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()

		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Subscription, id,
				frame.Destination, destination,
				frame.MessageId, fmt.Sprintf("msg-%d", m.messageCounter.Add(1)),
				frame.ContentType, "application/json")
			f.Body = []byte(body)
			if err := s.deliver(encode(f)); err == nil {
				sent++
			}
		}
	}
	return sent
}

// SendError pushes an ERROR frame to every connected session
func (m *MockBrokerServer) SendError(message string) {
	for _, s := range m.snapshot() {
		_ = s.deliver(encode(frame.New(frame.ERROR, frame.Message, message)))
	}
}

// DropConnections closes every session without a STOMP goodbye
func (m *MockBrokerServer) DropConnections() {
	for _, s := range m.snapshot() {
		m.closeSession(s)
	}
}

// Connects counts CONNECT frames received
func (m *MockBrokerServer) Connects() int { return int(m.connects.Load()) }

// Subscribes counts SUBSCRIBE frames received
func (m *MockBrokerServer) Subscribes() int { return int(m.subscribes.Load()) }

// WebSocketSessions counts accepted websocket upgrades
func (m *MockBrokerServer) WebSocketSessions() int { return int(m.wsSessions.Load()) }

// XHRSessions counts opened xhr-polling sessions
func (m *MockBrokerServer) XHRSessions() int { return int(m.xhrSessions.Load()) }

// ActiveSubscriptions counts subscriptions across open sessions
func (m *MockBrokerServer) ActiveSubscriptions() int {
	n := 0
	for _, s := range m.snapshot() {
		s.mu.Lock()
		n += len(s.subs)
		s.mu.Unlock()
	}
	return n
}

// OpenSessions counts sessions that are not closed
func (m *MockBrokerServer) OpenSessions() int {
	n := 0
	for _, s := range m.snapshot() {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// Close shuts down the mock server
func (m *MockBrokerServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockBrokerServer) snapshot() []*brokerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*brokerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *MockBrokerServer) authorized(r *http.Request) bool {
	m.mu.Lock()
	required := m.requiredToken
	m.mu.Unlock()
	return required == "" || r.Header.Get("Authorization") == "Bearer "+required
}

func (m *MockBrokerServer) addSession(s *brokerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

func (m *MockBrokerServer) session(id string) (*brokerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MockBrokerServer) closeSession(s *brokerSession) {
	m.mu.Lock()
	if s.kind == "websocket" {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	s.close()
}

func (m *MockBrokerServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.rejectUpgrade
	m.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	if !m.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.wsSessions.Add(1)

	s := &brokerSession{
		id:   fmt.Sprintf("ws-%d", m.sessionCounter.Add(1)),
		kind: "websocket",
		subs: make(map[string]string),
		conn: conn,
		done: make(chan struct{}),
	}
	m.addSession(s)
	defer m.closeSession(s)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !m.handleFrames(s, data) {
			return
		}
	}
}

func (m *MockBrokerServer) handleXHR(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("session")
	s, ok := m.session(id)
	if !ok {
		s = &brokerSession{
			id:     id,
			kind:   "xhr-polling",
			subs:   make(map[string]string),
			outbox: make(chan string, 64),
			done:   make(chan struct{}),
		}
		m.addSession(s)
		m.xhrSessions.Add(1)
		writeSockJS(w, "o")
		return
	}

	m.mu.Lock()
	timeout := m.pollTimeout
	m.mu.Unlock()

	// Queued frames are flushed before a close is reported
	if batch := s.drain(); len(batch) > 0 {
		writeSockJSArray(w, batch)
		return
	}

	select {
	case msg := <-s.outbox:
		writeSockJSArray(w, append([]string{msg}, s.drain()...))
	case <-s.done:
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		writeSockJS(w, `c[3000,"Go away!"]`)
	case <-time.After(timeout):
		writeSockJS(w, "h")
	case <-r.Context().Done():
	}
}

func (m *MockBrokerServer) handleXHRSend(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	s, ok := m.session(r.PathValue("session"))
	if !ok || s.isClosed() {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var messages []string
	if err := json.Unmarshal(body, &messages); err != nil {
		http.Error(w, "Broken JSON encoding.", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	for _, msg := range messages {
		if !m.handleFrames(s, []byte(msg)) {
			return
		}
	}
}

// handleFrames processes client frames and reports whether the session stays open
func (m *MockBrokerServer) handleFrames(s *brokerSession, data []byte) bool {
	reader := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := reader.Read()
		if err != nil {
			return errors.Is(err, io.EOF)
		}
		if f == nil {
			continue
		}
		if !m.handleFrame(s, f) {
			return false
		}
	}
}

func (m *MockBrokerServer) handleFrame(s *brokerSession, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		m.connects.Add(1)

		m.mu.Lock()
		reject, required := m.rejectConnect, m.requiredToken
		m.mu.Unlock()

		if reject == "" && required != "" && f.Header.Get("Authorization") != "Bearer "+required {
			reject = "Access denied: invalid token"
		}
		if reject != "" {
			_ = s.deliver(encode(frame.New(frame.ERROR, frame.Message, reject)))
			m.closeSession(s)
			return false
		}

		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		_ = s.deliver(encode(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
			frame.Server, "mock-broker/1.0")))

	case frame.SUBSCRIBE:
		m.subscribes.Add(1)
		s.mu.Lock()
		s.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		s.mu.Unlock()

	case frame.UNSUBSCRIBE:
		s.mu.Lock()
		delete(s.subs, f.Header.Get(frame.Id))
		s.mu.Unlock()

	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			_ = s.deliver(encode(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)))
		}
		m.closeSession(s)
		return false
	}
	return true
}

func (s *brokerSession) deliver(text string) error {
	if s.isClosed() {
		return errors.New("session closed")
	}
	if s.conn != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
	}
	select {
	case s.outbox <- text:
		return nil
	default:
		return errors.New("outbox full")
	}
}

func (s *brokerSession) drain() []string {
	var batch []string
	for {
		select {
		case msg := <-s.outbox:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

func (s *brokerSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *brokerSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.subs = make(map[string]string)
		s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func encode(f *frame.Frame) string {
	var buf bytes.Buffer
	_ = frame.NewWriter(&buf).Write(f)
	return buf.String()
}

func writeSockJS(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/javascript; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body+"\n")
}

func writeSockJSArray(w http.ResponseWriter, batch []string) {
	payload, _ := json.Marshal(batch)
	writeSockJS(w, "a"+string(payload))
}
