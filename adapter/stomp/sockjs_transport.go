package stomp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SockJS frame prefixes
const (
	sockJSOpen      = 'o'
	sockJSHeartbeat = 'h'
	sockJSArray     = 'a'
	sockJSClose     = 'c'
)

// sockJSDialer opens an xhr-polling session at {endpoint}/{server}/{session}
type sockJSDialer struct {
	base      string
	userAgent string
	client    *http.Client
	opts      TransportOptions
}

func newSockJSDialer(opts TransportOptions) (*sockJSDialer, error) {
	u, err := httpBaseURL(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.TLSConfig != nil {
			transport.TLSClientConfig = opts.TLSConfig.Clone()
		} else {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = &http.Client{Transport: transport}
	}

	return &sockJSDialer{
		base:      u.String(),
		userAgent: opts.UserAgent,
		client:    client,
		opts:      opts,
	}, nil
}

func (d *sockJSDialer) name() string { return "xhr-polling" }

func (d *sockJSDialer) dial(ctx context.Context, credential string) (wire, error) {
	w := &sockJSWire{
		sessionURL: fmt.Sprintf("%s/%s/%s", d.base, sockJSServerID(), sockJSSessionID()),
		credential: credential,
		userAgent:  d.userAgent,
		client:     d.client,
		opts:       d.opts,
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	body, err := w.post(ctx, "/xhr", nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || body[0] != sockJSOpen {
		return nil, fmt.Errorf("unexpected xhr open frame %q: %w", truncate(body, 32), ErrTransportClosed)
	}
	return w, nil
}

// sockJSWire polls {session}/xhr for inbound frames and posts to {session}/xhr_send
type sockJSWire struct {
	sessionURL string
	credential string
	userAgent  string
	client     *http.Client
	opts       TransportOptions

	writeMu sync.Mutex
}

func (w *sockJSWire) Kind() string { return "xhr-polling" }

// Read performs one poll. A heartbeat yields an empty batch.
func (w *sockJSWire) Read(ctx context.Context) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.PollRequestTimeout)
	defer cancel()

	body, err := w.post(ctx, "/xhr", nil)
	if err != nil {
		return nil, err
	}
	return parseSockJSFrame(body)
}

func (w *sockJSWire) Write(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	payload, err := json.Marshal([]string{string(data)})
	if err != nil {
		return fmt.Errorf("failed to marshal xhr_send payload: %w", err)
	}
	_, err = w.post(ctx, "/xhr_send", payload)
	return err
}

// Close is a no-op for xhr-polling; the server expires the session
func (w *sockJSWire) Close() error { return nil }

func (w *sockJSWire) post(ctx context.Context, suffix string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.sessionURL+suffix, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.credential)
	req.Header.Set("User-Agent", w.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xhr request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read xhr response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return bytes.TrimSpace(respBody), nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	case http.StatusNotFound:
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: ErrTransportClosed}
	default:
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(respBody, 128))}
	}
}

// parseSockJSFrame decodes one xhr response body
func parseSockJSFrame(body []byte) ([][]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	switch body[0] {
	case sockJSHeartbeat, sockJSOpen:
		return nil, nil

	case sockJSArray:
		var messages []string
		if err := json.Unmarshal(body[1:], &messages); err != nil {
			return nil, fmt.Errorf("failed to decode sockjs array frame: %w", err)
		}
		batch := make([][]byte, 0, len(messages))
		for _, m := range messages {
			batch = append(batch, []byte(m))
		}
		return batch, nil

	case sockJSClose:
		var reason []any
		if err := json.Unmarshal(body[1:], &reason); err != nil || len(reason) < 2 {
			return nil, fmt.Errorf("%w: sockjs close", ErrTransportClosed)
		}
		return nil, fmt.Errorf("%w: code=%v text=%v", ErrTransportClosed, reason[0], reason[1])

	default:
		return nil, fmt.Errorf("unknown sockjs frame %q", truncate(body, 32))
	}
}

func truncate(b []byte, n int) string {
	s := strings.ToValidUTF8(string(b), "")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
