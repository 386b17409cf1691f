package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRequestTimeout bounds upstream HTTP calls so no request handler can
// block indefinitely on a slow platform.
const DefaultRequestTimeout = 30 * time.Second

// retryBackoff is the pause before the single transient-failure retry.
const retryBackoff = 250 * time.Millisecond

// ClientConfig is the common OAuth client configuration shared by all
// platform implementations.
type ClientConfig struct {
	// ClientID is the OAuth client ID registered with the platform (required).
	ClientID string

	// ClientSecret is the OAuth client secret (required).
	ClientSecret string

	// RedirectURL is the broker's callback URL for this platform (required).
	RedirectURL string

	// Scopes override the platform's default scope list.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds platform API calls (default: 30s).
	RequestTimeout time.Duration
}

// Validate checks the required fields, returning a configuration error that
// should fail startup rather than a request.
func (c *ClientConfig) Validate(platform string) error {
	if c.ClientID == "" {
		return fmt.Errorf("%s: client ID is required", platform)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%s: client secret is required", platform)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("%s: redirect URL is required", platform)
	}
	return nil
}

// Client returns the HTTP client to use for platform calls.
func (c *ClientConfig) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{Timeout: timeout}
}

// withHTTPClient injects the platform's HTTP client into the context so
// oauth2.Config uses it for token endpoint calls.
func withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// ExchangeCode performs the authorization-code exchange with PKCE and a single
// retry for transient transport failures. Upstream OAuth error responses
// (including access_denied) are never retried.
func ExchangeCode(ctx context.Context, platform string, cfg *oauth2.Config, hc *http.Client, code, codeVerifier string) (*oauth2.Token, error) {
	ctx = withHTTPClient(ctx, hc)

	do := func() (*oauth2.Token, error) {
		return cfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := doWithRetry(ctx, do)
	if err != nil {
		return nil, upstreamError(platform, "exchange", err)
	}
	return tok, nil
}

// RefreshToken re-exchanges a refresh token, with the same retry policy as
// exchange.
func RefreshToken(ctx context.Context, platform string, cfg *oauth2.Config, hc *http.Client, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &UpstreamError{Platform: platform, Op: "refresh", err: errors.New("no refresh token")}
	}
	ctx = withHTTPClient(ctx, hc)

	do := func() (*oauth2.Token, error) {
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}
	tok, err := doWithRetry(ctx, do)
	if err != nil {
		return nil, upstreamError(platform, "refresh", err)
	}
	return tok, nil
}

// doWithRetry runs fn and retries exactly once if the failure was a
// transport-level error rather than an upstream OAuth response.
func doWithRetry(ctx context.Context, fn func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	tok, err := fn()
	if err == nil || !isTransient(err) {
		return tok, err
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return fn()
}

// isTransient reports whether an error came from the transport rather than
// the platform. An *oauth2.RetrieveError means the platform answered; its
// verdict will not change on retry.
func isTransient(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// upstreamError wraps an exchange/refresh failure, lifting the upstream
// error code and description out of an *oauth2.RetrieveError when present.
func upstreamError(platform, op string, err error) error {
	ue := &UpstreamError{Platform: platform, Op: op, err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		ue.Code = retrieveErr.ErrorCode
		ue.Description = retrieveErr.ErrorDescription
		if retrieveErr.Response != nil {
			ue.StatusCode = retrieveErr.Response.StatusCode
		}
		if ue.Code == "" && len(retrieveErr.Body) > 0 {
			// Some platforms return errors without the standard fields.
			ue.Description = string(retrieveErr.Body)
		}
	}
	return ue
}

// GetJSON fetches a platform API endpoint with a bearer token and decodes
// the JSON response into out. Response bodies are bounded to 1 MiB.
func GetJSON(ctx context.Context, hc *http.Client, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GrantedScopes extracts the scope set the platform actually granted from a
// token response. Platforms report it in the token response's "scope" field,
// space-separated per RFC 6749 3.3; platforms that omit the field granted the
// requested set, so fallback should be the scopes that were requested.
func GrantedScopes(token *oauth2.Token, fallback []string) []string {
	if token != nil {
		if raw, ok := token.Extra("scope").(string); ok {
			if granted := strings.Fields(raw); len(granted) > 0 {
				return granted
			}
		}
	}
	out := make([]string, len(fallback))
	copy(out, fallback)
	return out
}

// AuthCodeURL builds an authorization URL carrying the state and a
// pre-computed S256 challenge. The verifier itself never leaves the broker.
func AuthCodeURL(cfg *oauth2.Config, state, codeChallenge string, extra ...oauth2.AuthCodeOption) string {
	opts := append([]oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}, extra...)
	return cfg.AuthCodeURL(state, opts...)
}
