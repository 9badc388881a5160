package stomp

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// generateSubscriptionID returns a fresh STOMP subscription id, e.g. "sub-4f0c..."
func generateSubscriptionID() string {
	return "sub-" + uuid.NewString()
}

// generateHandleID generates a human-readable id for log correlation
// Returns format: "conn-{YYYYMMDD-HHMMSS}-{8 hex}"
func generateHandleID() string {
	timestamp := time.Now().Format("20060102-150405")
	return fmt.Sprintf("conn-%s-%s", timestamp, uuid.NewString()[:8])
}

// sockJSServerID is the three digit server segment of a SockJS URL
func sockJSServerID() string {
	return fmt.Sprintf("%03d", rand.IntN(1000))
}

// sockJSSessionID must not contain dots
func sockJSSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// websocketURL converts the broker base URL to its raw websocket form:
// https://host/ws -> wss://host/ws/websocket
func websocketURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	return u, nil
}

// httpBaseURL converts the broker base URL to the http(s) form used by xhr-polling
func httpBaseURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}
