package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	tokenSuffix      = "_token.json"
	earlyRefreshTime = 2 * time.Minute
)

// ErrNoRefreshToken is returned when a refresh is requested but no refresh token is stored
var ErrNoRefreshToken = errors.New("no refresh token available")

// OAuthRefresher implements CredentialRefresher on top of an oauth2.Config.
// Tokens are cached in memory and persisted through TokenStorage so a restart can resume the session.
type OAuthRefresher struct {
	config   *oauth2.Config
	storage  TokenStorage
	provider string
	logger   *slog.Logger

	tokenMutex   sync.RWMutex
	currentToken TokenInfo
	now          func() time.Time
}

// NewOAuthRefresher builds a refresher from the auth section of the config
func NewOAuthRefresher(auth AuthConf, storage TokenStorage, logger *slog.Logger) (*OAuthRefresher, error) {
	if auth.ClientID == "" {
		return nil, errors.New("auth.client_id is required for token refresh")
	}
	if auth.TokenURL == "" {
		return nil, errors.New("auth.token_url is required for token refresh")
	}
	if storage == nil {
		return nil, errors.New("token storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	provider := auth.Provider
	if provider == "" {
		provider = "notify"
	}

	logger.Info("OAuth refresher configured",
		"function", "NewOAuthRefresher",
		"provider", provider,
		"client_id", maskClientID(auth.ClientID),
		"token_url", auth.TokenURL)

	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: auth.TokenURL,
			},
		},
		storage:  storage,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// maskClientID masks client ID for logging
func maskClientID(clientID string) string {
	if len(clientID) <= 8 {
		return "****"
	}
	return clientID[:4] + "****" + clientID[len(clientID)-4:]
}

// StoreToken seeds the refresher with a token obtained by the login flow
func (r *OAuthRefresher) StoreToken(token TokenInfo) error {
	if token.Provider == "" {
		token.Provider = r.provider
	}
	r.tokenMutex.Lock()
	r.currentToken = token
	r.tokenMutex.Unlock()

	return r.storage.SaveToken(r.tokenFilename(), &token)
}

// ExchangeCodeForToken exchanges an authorization code for a token and stores it
func (r *OAuthRefresher) ExchangeCodeForToken(ctx context.Context, code string) error {
	token, err := r.config.Exchange(ctx, code)
	if err != nil {
		r.logger.Error("Token exchange failed",
			"function", "ExchangeCodeForToken",
			"error", err)
		return fmt.Errorf("failed to exchange code: %w", err)
	}

	if err := r.StoreToken(r.toTokenInfo(token)); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	r.logger.Info("Token obtained",
		"function", "ExchangeCodeForToken",
		"expiry", token.Expiry)
	return nil
}

// Current returns a usable access token, refreshing it when it is within
// earlyRefreshTime of its expiry.
func (r *OAuthRefresher) Current(ctx context.Context) (string, time.Time, error) {
	token, err := r.loadToken()
	if err != nil {
		return "", time.Time{}, err
	}

	oauthToken := &oauth2.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	// The base source holds only the refresh token so it always goes to the endpoint when asked
	base := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	source := oauth2.ReuseTokenSourceWithExpiry(oauthToken, base, earlyRefreshTime)

	fresh, err := source.Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get token: %w", err)
	}

	if fresh.AccessToken != token.AccessToken {
		r.logger.Info("Token was refreshed, saving new token",
			"function", "Current",
			"expiry", fresh.Expiry)
		if err := r.StoreToken(r.toTokenInfo(fresh)); err != nil {
			r.logger.Warn("Failed to save refreshed token",
				"function", "Current",
				"error", err)
		}
	}
	return fresh.AccessToken, fresh.Expiry, nil
}

// Refresh always exchanges the stored refresh token for a new access token.
// It is called when the current credential is known to be stale, so the cached
// access token is not reused even if its expiry lies in the future.
func (r *OAuthRefresher) Refresh(ctx context.Context) (string, time.Time, error) {
	token, err := r.loadToken()
	if err != nil {
		return "", time.Time{}, err
	}
	if token.RefreshToken == "" {
		return "", time.Time{}, ErrNoRefreshToken
	}

	// Empty access token makes the source go to the token endpoint
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		r.logger.Error("Unable to refresh token",
			"function", "Refresh",
			"error", err)
		return "", time.Time{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := r.StoreToken(r.toTokenInfo(fresh)); err != nil {
		r.logger.Warn("Unable to save refreshed token",
			"function", "Refresh",
			"error", err)
	}

	r.logger.Info("Got new token",
		"function", "Refresh",
		"expiry", fresh.Expiry)
	return fresh.AccessToken, fresh.Expiry, nil
}

// Logout forgets the cached token and removes it from storage
func (r *OAuthRefresher) Logout() error {
	r.tokenMutex.Lock()
	r.currentToken = TokenInfo{}
	r.tokenMutex.Unlock()

	return r.storage.DeleteToken(r.tokenFilename())
}

func (r *OAuthRefresher) loadToken() (TokenInfo, error) {
	r.tokenMutex.RLock()
	cached := r.currentToken
	r.tokenMutex.RUnlock()

	if cached.AccessToken != "" || cached.RefreshToken != "" {
		return cached, nil
	}

	stored, err := r.storage.LoadToken(r.tokenFilename())
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to load token: %w", err)
	}

	r.tokenMutex.Lock()
	r.currentToken = *stored
	r.tokenMutex.Unlock()
	return *stored, nil
}

func (r *OAuthRefresher) tokenFilename() string {
	return r.provider + tokenSuffix
}

func (r *OAuthRefresher) toTokenInfo(token *oauth2.Token) TokenInfo {
	return TokenInfo{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		Provider:     r.provider,
	}
}
