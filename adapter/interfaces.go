package notify

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// ============================================================================
// INTERFACES - contracts between the notification client and its collaborators
// ============================================================================
// The session/auth module, the UI and any persistence live outside this module.
// They only meet the client through the interfaces below.
// ============================================================================

// NotificationStream is the consumer-facing surface of the real-time notification client.
// These are the only operations the rest of the application is allowed to call.
type NotificationStream interface {
	// Connect stores the credential and opens the connection unless one is already active.
	// onReconnect may be nil; it is invoked once per recovered (not initial) connection.
	Connect(ctx context.Context, credential string, onReconnect func()) error

	// UpdateCredential swaps the bearer credential used by future connection attempts.
	UpdateCredential(credential string) error

	// Subscribe records the single subscription intent and applies it when connected.
	Subscribe(destination string, handler NotificationHandler) error

	// Teardown stops everything. Safe to call in any state, any number of times.
	Teardown()

	// ManualReconnect is Teardown followed by Connect; the way out of the stopped state.
	ManualReconnect(ctx context.Context, credential string, onReconnect func()) error

	IsConnected() bool
	IsStopped() bool

	// Reconnects returns a channel of recovery events and a func that releases it.
	Reconnects() (<-chan ReconnectEvent, func())
}

// TokenStorage persists OAuth tokens between process runs
type TokenStorage interface {
	SaveToken(filename string, token *TokenInfo) error
	LoadToken(filename string) (*TokenInfo, error)
	DeleteToken(filename string) error
}

// CredentialRefresher obtains a fresh bearer credential when the current one is stale.
// oauth2.TokenSource satisfies it through TokenSourceRefresher.
type CredentialRefresher interface {
	Refresh(ctx context.Context) (string, time.Time, error)
}

// Deduplicator remembers delivered notification ids.
// Seen marks id as delivered and reports whether it had been delivered before.
type Deduplicator interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// TokenSourceRefresher adapts an oauth2.TokenSource to CredentialRefresher
type TokenSourceRefresher struct {
	Source oauth2.TokenSource
}

// Refresh asks the token source for a token; the source decides whether a network round trip is needed
func (r TokenSourceRefresher) Refresh(ctx context.Context) (string, time.Time, error) {
	token, err := r.Source.Token()
	if err != nil {
		return "", time.Time{}, err
	}
	return token.AccessToken, token.Expiry, nil
}
