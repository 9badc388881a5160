package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketDialer opens the raw websocket endpoint ({endpoint}/websocket)
type websocketDialer struct {
	url       string
	host      string
	userAgent string
	dialer    websocket.Dialer
}

func newWebSocketDialer(opts TransportOptions) (*websocketDialer, error) {
	u, err := websocketURL(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	return &websocketDialer{
		url:       u.String(),
		host:      u.Hostname(),
		userAgent: opts.UserAgent,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			TLSClientConfig:  opts.TLSConfig,
			Subprotocols:     []string{"v12.stomp"},
		},
	}, nil
}

func (d *websocketDialer) name() string { return "websocket" }

func (d *websocketDialer) dial(ctx context.Context, credential string) (wire, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+credential)
	headers.Set("User-Agent", d.userAgent)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, headers)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("websocket upgrade refused: %w", &HandshakeError{StatusCode: resp.StatusCode, Err: ErrUnauthorized})
			}
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}

	return &websocketWire{conn: conn}, nil
}

// websocketWire carries one STOMP frame per text message
type websocketWire struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (w *websocketWire) Kind() string { return "websocket" }

func (w *websocketWire) Read(ctx context.Context) ([][]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		messageType, message, err := w.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("%w: code=%d text=%s", ErrTransportClosed, closeErr.Code, closeErr.Text)
			}
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			// Copy, ReadMessage may reuse its buffer
			data := make([]byte, len(message))
			copy(data, message)
			return [][]byte{data}, nil
		default:
			continue
		}
	}
}

func (w *websocketWire) Write(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close message and closes the TCP connection
func (w *websocketWire) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = w.conn.Close()
	})
	return err
}
