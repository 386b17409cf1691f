// Package testutil provides fixtures and helpers shared by the broker's
// tests: a controllable clock, httptest upstream token endpoints and
// generators for common storage records.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/storage"
)

// MockTime provides a controllable time source for deterministic testing.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a mock time provider starting at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set sets the mock time to a specific value.
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// GenerateRandomString generates a random base64url string of the given
// length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge and verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// GenerateTestToken creates an upstream token set expiring in an hour.
func GenerateTestToken() *oauth2.Token {
	return GenerateTestTokenWithExpiry(time.Now().Add(time.Hour))
}

// GenerateTestTokenWithExpiry creates an upstream token set with a specific
// expiry.
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GenerateTestConnection creates an active connection record for a user and
// platform.
func GenerateTestConnection(userID, platform string) *storage.Connection {
	now := time.Now()
	return &storage.Connection{
		UserID:       userID,
		Platform:     platform,
		AccountEmail: "pat@example.com",
		AccountName:  "Pat Host",
		Scopes:       []string{"meeting:read", "meeting:write"},
		Credentials: storage.CredentialSet{
			AccessToken:  GenerateRandomString(32),
			RefreshToken: GenerateRandomString(32),
			TokenType:    "Bearer",
			ExpiresAt:    now.Add(time.Hour),
		},
		Active:    true,
		CreatedAt: now,
	}
}

// GenerateTestClient creates a registered public client record.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientType:              "public",
		RedirectURIs:            []string{"https://client.example.com/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"connections:read", "connections:write", "tools:invoke"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unexpired, unused code record.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		RedirectURI:         "https://client.example.com/callback",
		Scope:               "connections:read connections:write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              "test-user-123",
		CreatedAt:           now,
		ExpiresAt:           now.Add(5 * time.Minute),
	}
}

// TokenEndpointResponse is what a mock upstream token endpoint returns.
type TokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// NewUpstreamTokenServer starts an httptest server acting as a platform's
// token endpoint, answering every POST with the given response. The caller
// owns shutdown.
func NewUpstreamTokenServer(resp TokenEndpointResponse) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

// NewUpstreamErrorServer starts an httptest server acting as a platform's
// token endpoint that always fails with the given OAuth error code.
func NewUpstreamErrorServer(status int, errorCode string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": errorCode})
	}))
}
