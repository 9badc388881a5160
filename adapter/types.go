package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RecordID identifies a notification record.
// The backend emits it either as a JSON string or as a JSON number, so both are accepted.
type RecordID string

// UnmarshalJSON accepts "42", 42 and null
func (id *RecordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode record id: %w", err)
		}
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a string or a number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("record id is not numeric: %w", err)
	}
	*id = RecordID(n.String())
	return nil
}

// String returns the id as plain text
func (id RecordID) String() string {
	return string(id)
}

// Notification is one record pushed on the user-scoped notification queue.
// Mirrors the JSON body of an inbound MESSAGE frame.
type Notification struct {
	ID        RecordID       `json:"id"`
	Code      string         `json:"code"`
	Params    map[string]any `json:"params,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
	URL       string         `json:"url,omitempty"`

	// Set locally, never part of the payload
	Destination string    `json:"-"`
	ReceivedAt  time.Time `json:"-"`
}

// NotificationHandler receives decoded notifications.
// It is invoked sequentially for a single connection and never concurrently with itself.
type NotificationHandler func(Notification)

// TokenInfo is the persisted form of an OAuth token.
// Written by FileTokenStorage and consumed by the credential refresher.
type TokenInfo struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Provider     string    `json:"provider,omitempty"`
}

// Valid reports whether the access token is present and not past its expiry.
// A zero Expiry means the token never expires.
func (t TokenInfo) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Before(t.Expiry)
}

// ReconnectEvent describes a recovered connection.
// Failures is the number of consecutive failed attempts that preceded the recovery.
type ReconnectEvent struct {
	At       time.Time
	Failures int
}
