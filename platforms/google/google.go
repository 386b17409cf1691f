// Package google implements the platforms.Platform interface for Google
// Workspace mail access (category: email).
package google

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/workmesh/credbroker/platforms"
)

// Compile-time check that Provider implements the platforms.Platform interface.
var _ platforms.Platform = (*Provider)(nil)

const platformName = "google"

// userinfoURL is the OpenID Connect userinfo endpoint.
const userinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// defaultScopes grant read access to Gmail plus the profile claims used to
// label the connection.
var defaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Provider is the Google upstream OAuth client.
type Provider struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

// New creates a Google provider from the shared client configuration.
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
			Endpoint:     googleoauth.Endpoint,
		},
		httpClient: cc.Client(),
	}, nil
}

// Name returns "google".
func (p *Provider) Name() string {
	return platformName
}

// Category returns the email category.
func (p *Provider) Category() platforms.Category {
	return platforms.CategoryEmail
}

// Scopes returns the configured scope set.
func (p *Provider) Scopes() []string {
	out := make([]string, len(p.cfg.Scopes))
	copy(out, p.cfg.Scopes)
	return out
}

// AuthorizationURL builds the Google authorization URL with PKCE parameters.
// Offline access plus consent prompt are required or Google omits the
// refresh token on repeat authorizations.
func (p *Provider) AuthorizationURL(state, codeChallenge string) string {
	return platforms.AuthCodeURL(p.cfg, state, codeChallenge,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange swaps an authorization code for Google tokens.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return platforms.ExchangeCode(ctx, platformName, p.cfg, p.httpClient, code, codeVerifier)
}

// Refresh re-exchanges a refresh token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return platforms.RefreshToken(ctx, platformName, p.cfg, p.httpClient, refreshToken)
}

// AccountInfo fetches the Google account identity from the userinfo
// endpoint.
func (p *Provider) AccountInfo(ctx context.Context, accessToken string) (*platforms.Account, error) {
	var info struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := platforms.GetJSON(ctx, p.httpClient, userinfoURL, accessToken, &info); err != nil {
		return nil, fmt.Errorf("google account info: %w", err)
	}
	return &platforms.Account{Email: info.Email, DisplayName: info.Name}, nil
}
