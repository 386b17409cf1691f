// Package platforms defines the interface for upstream productivity
// platforms the broker connects on a user's behalf, and a registry keyed by
// platform name. Adding a platform means adding a registry entry, not new
// control flow.
package platforms

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Category classifies what a platform is for; the connections listing and
// tool catalog group by it.
type Category string

const (
	CategoryMeeting Category = "meeting"
	CategoryTask    Category = "task"
	CategoryEmail   Category = "email"
)

// ErrUnsupportedPlatform is returned by the registry for unknown names.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Account is the remote account a connection is bound to, fetched from the
// platform after a successful exchange.
type Account struct {
	// Email is the remote account email address.
	Email string

	// DisplayName is the remote account display name.
	DisplayName string
}

// Platform is the upstream OAuth client for one platform. Implementations
// hold the platform's endpoints, client credentials and scope vocabulary;
// they never embed secrets into authorization URLs.
type Platform interface {
	// Name returns the platform name (e.g., "zoom", "asana")
	Name() string

	// Category returns the platform's category
	Category() Category

	// Scopes returns the scope set requested during authorization, used as
	// the granted set when the platform's token response omits one
	Scopes() []string

	// AuthorizationURL builds the platform's authorization URL embedding the
	// state and the S256 code challenge
	AuthorizationURL(state, codeChallenge string) string

	// Exchange swaps an authorization code plus PKCE verifier for tokens
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// Refresh re-exchanges a refresh token. The returned set supersedes the
	// stored one; platforms may rotate the refresh token on use.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// AccountInfo fetches the remote account identity for display
	AccountInfo(ctx context.Context, accessToken string) (*Account, error)
}

// UpstreamError carries an upstream OAuth failure with enough diagnostics to
// categorize it, without ever including client secrets.
type UpstreamError struct {
	Platform    string
	Op          string // "exchange" or "refresh"
	Code        string // upstream OAuth error code, if any
	Description string
	StatusCode  int
	err         error
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed: %s: %s", e.Platform, e.Op, e.Code, e.Description)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Platform, e.Op, e.err)
}

func (e *UpstreamError) Unwrap() error {
	return e.err
}

// AccessDenied reports whether the upstream rejected with access_denied,
// which is a user decision and must never be retried.
func (e *UpstreamError) AccessDenied() bool {
	return e.Code == "access_denied"
}

// Registry resolves platforms by name. It is populated at startup and
// read-only afterwards.
type Registry struct {
	platforms map[string]Platform
	names     []string
}

// NewRegistry builds a registry from the configured platforms.
func NewRegistry(platforms ...Platform) *Registry {
	r := &Registry{platforms: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		if p == nil {
			continue
		}
		if _, dup := r.platforms[p.Name()]; dup {
			continue
		}
		r.platforms[p.Name()] = p
		r.names = append(r.names, p.Name())
	}
	return r
}

// Get returns the platform for a name, or ErrUnsupportedPlatform.
func (r *Registry) Get(name string) (Platform, error) {
	p, ok := r.platforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, name)
	}
	return p, nil
}

// Names lists registered platform names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
