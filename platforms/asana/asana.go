// Package asana implements the platforms.Platform interface for Asana
// (category: task).
package asana

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/platforms"
)

// Compile-time check that Provider implements the platforms.Platform interface.
var _ platforms.Platform = (*Provider)(nil)

const platformName = "asana"

// Asana OAuth and API endpoints.
const (
	authURL  = "https://app.asana.com/-/oauth_authorize"
	tokenURL = "https://app.asana.com/-/oauth_token"
	selfURL  = "https://app.asana.com/api/1.0/users/me"
)

// Asana grants its full scope set under "default".
var defaultScopes = []string{"default"}

// Provider is the Asana upstream OAuth client.
type Provider struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

// New creates an Asana provider from the shared client configuration.
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

// Name returns "asana".
func (p *Provider) Name() string {
	return platformName
}

// Category returns the task category.
func (p *Provider) Category() platforms.Category {
	return platforms.CategoryTask
}

// Scopes returns the configured scope set.
func (p *Provider) Scopes() []string {
	out := make([]string, len(p.cfg.Scopes))
	copy(out, p.cfg.Scopes)
	return out
}

// AuthorizationURL builds the Asana authorization URL with PKCE parameters.
func (p *Provider) AuthorizationURL(state, codeChallenge string) string {
	return platforms.AuthCodeURL(p.cfg, state, codeChallenge)
}

// Exchange swaps an authorization code for Asana tokens.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return platforms.ExchangeCode(ctx, platformName, p.cfg, p.httpClient, code, codeVerifier)
}

// Refresh re-exchanges a refresh token. Asana keeps the refresh token
// stable, but the returned set still supersedes the stored one.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return platforms.RefreshToken(ctx, platformName, p.cfg, p.httpClient, refreshToken)
}

// AccountInfo fetches the Asana account identity.
func (p *Provider) AccountInfo(ctx context.Context, accessToken string) (*platforms.Account, error) {
	var me struct {
		Data struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"data"`
	}
	if err := platforms.GetJSON(ctx, p.httpClient, selfURL, accessToken, &me); err != nil {
		return nil, fmt.Errorf("asana account info: %w", err)
	}
	return &platforms.Account{Email: me.Data.Email, DisplayName: me.Data.Name}, nil
}
