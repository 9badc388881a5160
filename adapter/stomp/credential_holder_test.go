package stomp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestCredentialHolder_DialWithoutRefresher(t *testing.T) {
	c := NewCredentialHolder(nil, nil)

	_, err := c.Dial(context.Background())
	assert.ErrorIs(t, err, ErrTornDown)

	c.Set("opaque")
	c.MarkStale()
	credential, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque", credential, "without a refresher the stored value is used as is")
}

func TestCredentialHolder_ValidJWTNotRefreshed(t *testing.T) {
	refresher := &fakeRefresher{token: "fresh"}
	c := NewCredentialHolder(refresher, nil)
	valid := signedToken(t, time.Now().Add(time.Hour))
	c.Set(valid)

	credential, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, valid, credential)
	assert.Equal(t, 0, refresher.count())
}

func TestCredentialHolder_ExpiredJWTRefreshed(t *testing.T) {
	refresher := &fakeRefresher{token: "fresh"}
	c := NewCredentialHolder(refresher, nil)
	c.Set(signedToken(t, time.Now().Add(-time.Minute)))

	credential, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", credential)
	assert.Equal(t, "fresh", c.Get())
	assert.Equal(t, 1, refresher.count())
}

func TestCredentialHolder_ExpiringWithinLeeway(t *testing.T) {
	refresher := &fakeRefresher{token: "fresh"}
	c := NewCredentialHolder(refresher, nil)
	c.Set(signedToken(t, time.Now().Add(credentialLeeway/2)))

	credential, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", credential)
}

func TestCredentialHolder_OpaqueOnlyRefreshedWhenStale(t *testing.T) {
	refresher := &fakeRefresher{token: "fresh"}
	c := NewCredentialHolder(refresher, nil)
	c.Set("opaque-session-token")

	credential, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-session-token", credential)
	assert.Equal(t, 0, refresher.count())

	c.MarkStale()
	assert.True(t, c.Stale())
	credential, err = c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", credential)
	assert.False(t, c.Stale())
}

func TestCredentialHolder_RefreshFailureFallsBack(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("token endpoint down")}
	c := NewCredentialHolder(refresher, nil)
	c.Set("current")
	c.MarkStale()

	credential, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "current", credential)
	assert.True(t, c.Stale(), "stays stale so the next dial tries again")
}

func TestCredentialHolder_ConcurrentDialsShareRefresh(t *testing.T) {
	release := make(chan struct{})
	refresher := &blockingRefresher{release: release, token: "fresh"}
	c := NewCredentialHolder(refresher, nil)
	c.Set("current")
	c.MarkStale()

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Dial(context.Background())
		}(i)
	}

	// Let every goroutine join the in-flight refresh before it completes
	require.Eventually(t, func() bool { return refresher.started() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "fresh", r)
	}
	assert.LessOrEqual(t, refresher.count(), 2)
}

func TestCredentialHolder_ClearAndMask(t *testing.T) {
	c := NewCredentialHolder(nil, nil)
	c.Set("secret")
	assert.True(t, c.Has())
	c.Clear()
	assert.False(t, c.Has())

	c.MarkStale()
	assert.False(t, c.Stale(), "an empty credential cannot be stale")

	assert.Equal(t, "<empty>", maskCredential(""))
	assert.Equal(t, "<redacted len=6>", maskCredential("secret"))
}

type blockingRefresher struct {
	mu      sync.Mutex
	calls   int
	token   string
	release chan struct{}
}

func (r *blockingRefresher) Refresh(ctx context.Context) (string, time.Time, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
		return "", time.Time{}, ctx.Err()
	}
	return r.token, time.Time{}, nil
}

func (r *blockingRefresher) started() bool { return r.count() > 0 }

func (r *blockingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
