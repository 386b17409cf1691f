// Package mock provides a configurable implementation of the
// platforms.Platform interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/platforms"
)

// Compile-time check that Platform implements the platforms.Platform interface.
var _ platforms.Platform = (*Platform)(nil)

// Platform is a mock implementation of the platforms.Platform interface.
// Each method delegates to a settable func and counts its calls.
type Platform struct {
	// NameValue is returned by Name(). Defaults to "mock".
	NameValue string

	// CategoryValue is returned by Category(). Defaults to meeting.
	CategoryValue platforms.Category

	// ScopesValue is returned by Scopes().
	ScopesValue []string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state, codeChallenge string) string

	// ExchangeFunc is called when Exchange() is invoked
	ExchangeFunc func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// AccountInfoFunc is called when AccountInfo() is invoked
	AccountInfoFunc func(ctx context.Context, accessToken string) (*platforms.Account, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// New creates a mock platform with working defaults: exchanges and refreshes
// succeed with fixed token values and the account is mock@example.com.
func New() *Platform {
	return &Platform{
		NameValue:     "mock",
		CategoryValue: platforms.CategoryMeeting,
		ScopesValue:   []string{"mock:read", "mock:write"},
		CallCounts:    make(map[string]int),
		AuthorizationURLFunc: func(state, codeChallenge string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=S256", state, codeChallenge)
		},
		ExchangeFunc: func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "new-mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "new-mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		AccountInfoFunc: func(ctx context.Context, accessToken string) (*platforms.Account, error) {
			return &platforms.Account{
				Email:       "mock@example.com",
				DisplayName: "Mock User",
			}, nil
		},
	}
}

// Name returns the configured platform name.
func (m *Platform) Name() string {
	m.mu.Lock()
	m.CallCounts["Name"]++
	name := m.NameValue
	m.mu.Unlock()
	if name == "" {
		return "mock"
	}
	return name
}

// Category returns the configured category.
func (m *Platform) Category() platforms.Category {
	m.mu.Lock()
	m.CallCounts["Category"]++
	cat := m.CategoryValue
	m.mu.Unlock()
	if cat == "" {
		return platforms.CategoryMeeting
	}
	return cat
}

// Scopes returns the configured scope set.
func (m *Platform) Scopes() []string {
	m.mu.Lock()
	m.CallCounts["Scopes"]++
	scopes := m.ScopesValue
	m.mu.Unlock()
	return scopes
}

// AuthorizationURL builds a mock authorization URL.
func (m *Platform) AuthorizationURL(state, codeChallenge string) string {
	// Lock only to update the counter and read the function reference;
	// the user function may call other mock methods.
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + state
	}
	return fn(state, codeChallenge)
}

// Exchange exchanges an authorization code for tokens.
func (m *Platform) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["Exchange"]++
	fn := m.ExchangeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeFunc not configured")
	}
	return fn(ctx, code, codeVerifier)
}

// Refresh re-exchanges a refresh token.
func (m *Platform) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["Refresh"]++
	fn := m.RefreshFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("RefreshFunc not configured")
	}
	return fn(ctx, refreshToken)
}

// AccountInfo returns the mock account identity.
func (m *Platform) AccountInfo(ctx context.Context, accessToken string) (*platforms.Account, error) {
	m.mu.Lock()
	m.CallCounts["AccountInfo"]++
	fn := m.AccountInfoFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("AccountInfoFunc not configured")
	}
	return fn(ctx, accessToken)
}

// ResetCallCounts resets all call counters.
func (m *Platform) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called.
func (m *Platform) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
