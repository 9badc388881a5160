package stomp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

// credentialLeeway treats a JWT that expires this soon as already expired
const credentialLeeway = 10 * time.Second

// CredentialHolder stores the bearer credential read by every dial.
// With a refresher it also replaces an expired or rejected credential before the next dial.
type CredentialHolder struct {
	mu         sync.RWMutex
	credential string
	stale      bool

	refresher notify.CredentialRefresher
	group     singleflight.Group
	now       func() time.Time
	logger    *slog.Logger
}

// NewCredentialHolder creates an empty holder. refresher may be nil.
func NewCredentialHolder(refresher notify.CredentialRefresher, logger *slog.Logger) *CredentialHolder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialHolder{
		refresher: refresher,
		now:       time.Now,
		logger:    logger,
	}
}

// Set replaces the credential; it takes effect on the next dial
func (c *CredentialHolder) Set(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = credential
	c.stale = false
}

func (c *CredentialHolder) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// Has reports whether a credential is stored
func (c *CredentialHolder) Has() bool {
	return c.Get() != ""
}

func (c *CredentialHolder) Clear() {
	c.Set("")
}

// MarkStale flags the current credential as rejected by the server
func (c *CredentialHolder) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credential != "" {
		c.stale = true
	}
}

// Stale reports whether the current credential was rejected
func (c *CredentialHolder) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// Dial returns the credential to authenticate the next connection attempt.
// A stale or expired credential is refreshed first when a refresher is configured.
// A failed refresh falls back to the stored credential so the attempt fails like any
// other transport failure.
func (c *CredentialHolder) Dial(ctx context.Context) (string, error) {
	c.mu.RLock()
	credential, stale := c.credential, c.stale
	c.mu.RUnlock()

	if credential == "" {
		return "", ErrTornDown
	}
	if c.refresher == nil {
		return credential, nil
	}
	if !stale && !c.expired(credential) {
		return credential, nil
	}

	c.logger.Info("Refreshing credential before dial",
		"function", "Dial",
		"stale", stale,
		"credential", maskCredential(credential))

	v, err, shared := c.group.Do("refresh", func() (any, error) {
		token, _, err := c.refresher.Refresh(ctx)
		return token, err
	})
	if err != nil {
		c.logger.Warn("Credential refresh failed, dialing with current credential",
			"function", "Dial",
			"error", err)
		return credential, nil
	}

	fresh := v.(string)
	if fresh == "" {
		return credential, nil
	}

	c.mu.Lock()
	// UpdateCredential may have raced the refresh; the newer explicit value wins
	if c.credential == credential {
		c.credential = fresh
		c.stale = false
	} else {
		fresh = c.credential
	}
	c.mu.Unlock()

	c.logger.Info("Credential refreshed",
		"function", "Dial",
		"shared", shared,
		"credential", maskCredential(fresh))
	return fresh, nil
}

// expired inspects the exp claim without verifying the signature.
// Opaque credentials are never considered expired.
func (c *CredentialHolder) expired(credential string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !c.now().Add(credentialLeeway).Before(exp.Time)
}

// maskCredential never logs more than the length of a credential
func maskCredential(credential string) string {
	if credential == "" {
		return "<empty>"
	}
	return fmt.Sprintf("<redacted len=%d>", len(credential))
}
