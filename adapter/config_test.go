package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAndValidate_Defaults(t *testing.T) {
	path := writeConfig(t, "endpoint: https://app.example.com/ws\n")

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultDestination, cfg.Destination)
	assert.Equal(t, 2*time.Second, cfg.Backoff.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Backoff.MaxDelay)
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)
	assert.Equal(t, 5, cfg.Backoff.MaxFailures)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Transport.HandshakeTimeout)
	assert.False(t, cfg.Transport.DisableFallback)
	assert.Equal(t, DefaultDedupeCapacity, cfg.Dedupe.Capacity)
}

func TestLoadAndValidate_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_NOTIFY_HOST", "push.example.org")
	path := writeConfig(t, `
endpoint: https://${TEST_NOTIFY_HOST}/ws
destination: /user/queue/alerts
backoff:
  initial_delay: 500ms
  max_delay: 10s
  max_failures: 3
transport:
  disable_fallback: true
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example.org/ws", cfg.Endpoint)
	assert.Equal(t, "/user/queue/alerts", cfg.Destination)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Backoff.MaxDelay)
	assert.Equal(t, 3, cfg.Backoff.MaxFailures)
	assert.True(t, cfg.Transport.DisableFallback)
}

func TestLoadAndValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing endpoint", "destination: /x\n"},
		{"bad scheme", "endpoint: ftp://host/ws\n"},
		{"max below initial", "endpoint: https://h/ws\nbackoff:\n  initial_delay: 10s\n  max_delay: 1s\n"},
		{"multiplier below one", "endpoint: https://h/ws\nbackoff:\n  multiplier: 0.5\n"},
		{"client id without token url", "endpoint: https://h/ws\nauth:\n  client_id: abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAndValidate(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_ENDPOINT", "http://localhost:8080/ws")
	t.Setenv("NOTIFY_MAX_FAILURES", "7")
	t.Setenv("NOTIFY_INITIAL_DELAY", "1s")
	t.Setenv("NOTIFY_DISABLE_FALLBACK", "true")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/ws", cfg.Endpoint)
	assert.Equal(t, 7, cfg.Backoff.MaxFailures)
	assert.Equal(t, time.Second, cfg.Backoff.InitialDelay)
	assert.True(t, cfg.Transport.DisableFallback)
	assert.Equal(t, DefaultDestination, cfg.Destination)
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv("NOTIFY_ENDPOINT", "http://localhost:8080/ws")
	t.Setenv("NOTIFY_MAX_FAILURES", "many")

	_, err := LoadConfigFromEnv()
	assert.Error(t, err)
}
