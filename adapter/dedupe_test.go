package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduplicator(t *testing.T) {
	d := NewMemoryDeduplicator(2)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = d.Seen(ctx, "1")
	assert.True(t, seen)

	d.Seen(ctx, "2")
	d.Seen(ctx, "3") // evicts "1"
	assert.Equal(t, 2, d.Len())

	seen, _ = d.Seen(ctx, "1")
	assert.False(t, seen, "oldest id should have been evicted")
}

func TestNewDeduplicator_DefaultsToMemory(t *testing.T) {
	d, err := NewDeduplicator(DedupeConf{})
	require.NoError(t, err)
	_, ok := d.(*MemoryDeduplicator)
	assert.True(t, ok)
}

// Runs only when a Redis server is available
func TestRedisDeduplicator(t *testing.T) {
	addr := os.Getenv("NOTIFY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Redis tests disabled - set NOTIFY_TEST_REDIS_ADDR")
	}

	d, err := NewRedisDeduplicator(DedupeConf{
		RedisAddr: addr,
		KeyPrefix: "notify:test:" + uuid.NewString() + ":",
		TTL:       time.Minute,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	seen, err := d.Seen(ctx, "42")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "42")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestNewRedisDeduplicator_Unreachable(t *testing.T) {
	_, err := NewRedisDeduplicator(DedupeConf{RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}
