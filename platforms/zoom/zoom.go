// Package zoom implements the platforms.Platform interface for Zoom
// (category: meeting).
package zoom

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/platforms"
)

// Compile-time check that Provider implements the platforms.Platform interface.
var _ platforms.Platform = (*Provider)(nil)

const platformName = "zoom"

// Zoom OAuth and API endpoints.
const (
	authURL  = "https://zoom.us/oauth/authorize"
	tokenURL = "https://zoom.us/oauth/token"
	selfURL  = "https://api.zoom.us/v2/users/me"
)

// defaultScopes grant meeting management plus enough profile access to label
// the connection.
var defaultScopes = []string{"meeting:read", "meeting:write", "user:read"}

// Provider is the Zoom upstream OAuth client.
type Provider struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

// New creates a Zoom provider from the shared client configuration.
func New(cc platforms.ClientConfig) (*Provider, error) {
	if err := cc.Validate(platformName); err != nil {
		return nil, err
	}
	scopes := cc.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			RedirectURL:  cc.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		httpClient: cc.Client(),
	}, nil
}

// Name returns "zoom".
func (p *Provider) Name() string {
	return platformName
}

// Category returns the meeting category.
func (p *Provider) Category() platforms.Category {
	return platforms.CategoryMeeting
}

// Scopes returns the configured scope set.
func (p *Provider) Scopes() []string {
	out := make([]string, len(p.cfg.Scopes))
	copy(out, p.cfg.Scopes)
	return out
}

// AuthorizationURL builds the Zoom authorization URL with PKCE parameters.
func (p *Provider) AuthorizationURL(state, codeChallenge string) string {
	return platforms.AuthCodeURL(p.cfg, state, codeChallenge)
}

// Exchange swaps an authorization code for Zoom tokens.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return platforms.ExchangeCode(ctx, platformName, p.cfg, p.httpClient, code, codeVerifier)
}

// Refresh re-exchanges a refresh token. Zoom rotates the refresh token on
// every use; the caller must persist the returned set atomically.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return platforms.RefreshToken(ctx, platformName, p.cfg, p.httpClient, refreshToken)
}

// AccountInfo fetches the Zoom account identity.
func (p *Provider) AccountInfo(ctx context.Context, accessToken string) (*platforms.Account, error) {
	var me struct {
		Email       string `json:"email"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
		DisplayName string `json:"display_name"`
	}
	if err := platforms.GetJSON(ctx, p.httpClient, selfURL, accessToken, &me); err != nil {
		return nil, fmt.Errorf("zoom account info: %w", err)
	}

	name := me.DisplayName
	if name == "" {
		name = strings.TrimSpace(me.FirstName + " " + me.LastName)
	}
	return &platforms.Account{Email: me.Email, DisplayName: name}, nil
}
