package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockTokenServer provides an OAuth2 token endpoint for unit testing
type MockTokenServer struct {
	server *httptest.Server

	mu       sync.Mutex
	response MockTokenResponse
	status   int
	requests []MockRequest // Track requests for verification
}

// MockTokenResponse is the JSON body returned from POST /token
type MockTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// MockRequest tracks incoming requests for verification
type MockRequest struct {
	Method    string
	Path      string
	GrantType string
	Code      string
	Refresh   string
}

// NewMockTokenServer creates a new mock server
func NewMockTokenServer() *MockTokenServer {
	mock := &MockTokenServer{
		status: http.StatusOK,
		response: MockTokenResponse{
			AccessToken:  "mock_access_token",
			TokenType:    "Bearer",
			RefreshToken: "mock_refresh_token",
			ExpiresIn:    3600,
		},
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	return mock
}

// Close shuts down the mock server
func (m *MockTokenServer) Close() {
	m.server.Close()
}

// TokenURL returns the token endpoint URL
func (m *MockTokenServer) TokenURL() string {
	return m.server.URL + "/token"
}

// SetResponse configures the token response
func (m *MockTokenServer) SetResponse(resp MockTokenResponse, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = resp
	m.status = status
}

// GetRequests returns all captured requests for verification
func (m *MockTokenServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

func (m *MockTokenServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:    r.Method,
		Path:      r.URL.Path,
		GrantType: r.PostForm.Get("grant_type"),
		Code:      r.PostForm.Get("code"),
		Refresh:   r.PostForm.Get("refresh_token"),
	})
	resp, status := m.response, m.status
	m.mu.Unlock()

	if r.Method != http.MethodPost || r.URL.Path != "/token" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		json.NewEncoder(w).Encode(resp)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
}
