package credbroker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/platforms/mock"
	"github.com/workmesh/credbroker/storage"
	"github.com/workmesh/credbroker/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store, *mock.Platform) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	platform := mock.New()
	registry := platforms.NewRegistry(platform)

	server, err := NewServer(Config{
		Issuer: "http://localhost:8080",
	}, Dependencies{
		Storage:  store,
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(server.Close)
	return server, store, platform
}

func registerTestClient(t *testing.T, server *Server, clientType string) *ClientRegistrationResponse {
	t.Helper()
	resp, err := server.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example.com/callback"},
		ClientName:   "Test Client",
		ClientType:   clientType,
	}, "203.0.113.10")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	return resp
}

// authorizeAndExchange runs the full code flow for a public client and
// returns the token response.
func authorizeAndExchange(t *testing.T, server *Server, clientID, userID string) *TokenResponse {
	t.Helper()
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, err := server.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		UserID:              userID,
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	resp, err := server.ExchangeCode(ctx, clientID, "", code,
		"https://client.example.com/callback", verifier, "203.0.113.10")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	return resp
}

func TestNewServerValidation(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	registry := platforms.NewRegistry(mock.New())

	tests := []struct {
		name string
		cfg  Config
		deps Dependencies
	}{
		{
			name: "missing issuer",
			cfg:  Config{},
			deps: Dependencies{Storage: store, Registry: registry},
		},
		{
			name: "plain http issuer",
			cfg:  Config{Issuer: "http://broker.example.com"},
			deps: Dependencies{Storage: store, Registry: registry},
		},
		{
			name: "missing storage",
			cfg:  Config{Issuer: "http://localhost:8080"},
			deps: Dependencies{Registry: registry},
		},
		{
			name: "missing registry",
			cfg:  Config{Issuer: "http://localhost:8080"},
			deps: Dependencies{Storage: store},
		},
		{
			name: "short encryption key",
			cfg:  Config{Issuer: "http://localhost:8080", EncryptionKey: []byte("short")},
			deps: Dependencies{Storage: store, Registry: registry},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(tt.cfg, tt.deps); err == nil {
				t.Error("expected NewServer to fail")
			}
		})
	}
}

func TestRegisterClientPublic(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := registerTestClient(t, server, "public")
	if resp.ClientID == "" {
		t.Error("expected a client_id")
	}
	if resp.ClientSecret != "" {
		t.Errorf("public client got a secret: %q", resp.ClientSecret)
	}
	if resp.TokenEndpointAuthMethod != "none" {
		t.Errorf("auth method = %q, want none", resp.TokenEndpointAuthMethod)
	}
	if resp.Scope == "" {
		t.Error("expected default scopes")
	}
}

func TestRegisterClientConfidential(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := registerTestClient(t, server, "confidential")
	if resp.ClientSecret == "" {
		t.Fatal("confidential client got no secret")
	}

	// The secret is bcrypt-hashed at rest, never stored verbatim.
	client, err := server.clients.GetClient(context.Background(), resp.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client.ClientSecretHash == resp.ClientSecret {
		t.Error("client secret stored in plaintext")
	}
	if err := server.clients.ValidateClientSecret(context.Background(), resp.ClientID, resp.ClientSecret); err != nil {
		t.Errorf("ValidateClientSecret rejected the issued secret: %v", err)
	}
}

func TestRegisterClientRejectsBadRedirectURIs(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name string
		uris []string
	}{
		{"empty", nil},
		{"fragment", []string{"https://client.example.com/cb#frag"}},
		{"javascript scheme", []string{"javascript:alert(1)"}},
		{"plain http non-loopback", []string{"http://client.example.com/cb"}},
		{"private ip", []string{"https://10.0.0.5/cb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.RegisterClient(context.Background(), &ClientRegistrationRequest{
				RedirectURIs: tt.uris,
			}, "")
			if err == nil {
				t.Error("expected registration to fail")
			}
		})
	}
}

func TestRegisterClientLoopbackHTTPAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	_, err := server.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"http://127.0.0.1:8123/callback"},
	}, "")
	if err != nil {
		t.Errorf("loopback HTTP redirect URI rejected: %v", err)
	}
}

func TestRegisterClientIPLimit(t *testing.T) {
	server, _, _ := newTestServer(t)

	for i := 0; i < DefaultMaxClientsPerIP; i++ {
		registerTestClient(t, server, "public")
	}
	_, err := server.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example.com/callback"},
	}, "203.0.113.10")
	if err == nil {
		t.Error("expected registration beyond the IP limit to fail")
	}

	// A different IP is unaffected.
	_, err = server.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example.com/callback"},
	}, "203.0.113.99")
	if err != nil {
		t.Errorf("registration from a fresh IP failed: %v", err)
	}
}

func TestAuthorizeRequiresPKCE(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")

	tests := []struct {
		name      string
		challenge string
		method    string
	}{
		{"missing challenge", "", "S256"},
		{"plain method", "challenge-value", "plain"},
		{"empty method", "challenge-value", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.Authorize(context.Background(), &AuthorizeRequest{
				ClientID:            client.ClientID,
				RedirectURI:         "https://client.example.com/callback",
				CodeChallenge:       tt.challenge,
				CodeChallengeMethod: tt.method,
				UserID:              "user-1",
			})
			if err == nil {
				t.Error("expected Authorize to fail")
			}
		})
	}
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")

	_, err := server.Authorize(context.Background(), &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://evil.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()),
		CodeChallengeMethod: "S256",
		UserID:              "user-1",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidRedirectURI {
		t.Errorf("got %v, want invalid_redirect_uri", err)
	}
}

func TestCodeFlowEndToEnd(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")

	resp := authorizeAndExchange(t, server, client.ClientID, "user-1")
	if resp.AccessToken == "" {
		t.Fatal("no access token issued")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if !strings.HasPrefix(resp.RefreshToken, refreshTokenPrefix) {
		t.Errorf("refresh token %q lacks prefix %q", resp.RefreshToken, refreshTokenPrefix)
	}

	claims, err := server.VerifyAccess(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q, want user-1", claims.Subject)
	}
	if claims.ClientID != client.ClientID {
		t.Errorf("client_id = %q, want %q", claims.ClientID, client.ClientID)
	}
}

func TestExchangeCodeWrongVerifier(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, err := server.Authorize(ctx, &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	_, err = server.ExchangeCode(ctx, client.ClientID, "", code,
		"https://client.example.com/callback", oauth2.GenerateVerifier(), "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("got %v, want invalid_grant", err)
	}
}

func TestExchangeCodeReplayRevokesSessions(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, err := server.Authorize(ctx, &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	first, err := server.ExchangeCode(ctx, client.ClientID, "", code,
		"https://client.example.com/callback", verifier, "")
	if err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	// Replaying the code must fail and revoke the session minted from the
	// first use.
	_, err = server.ExchangeCode(ctx, client.ClientID, "", code,
		"https://client.example.com/callback", verifier, "")
	if err == nil {
		t.Fatal("expected code replay to fail")
	}
	if _, err := server.VerifyAccess(ctx, first.AccessToken); err == nil {
		t.Error("token from replayed code still valid")
	}
}

func TestExchangeCodeWrongClient(t *testing.T) {
	server, _, _ := newTestServer(t)
	owner := registerTestClient(t, server, "public")
	other := registerTestClient(t, server, "public")
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, err := server.Authorize(ctx, &AuthorizeRequest{
		ClientID:            owner.ClientID,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	if _, err := server.ExchangeCode(ctx, other.ClientID, "", code,
		"https://client.example.com/callback", verifier, ""); err == nil {
		t.Error("expected exchange by another client to fail")
	}
}

func TestConfidentialClientRequiresSecret(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "confidential")
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code, err := server.Authorize(ctx, &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	if _, err := server.ExchangeCode(ctx, client.ClientID, "", code,
		"https://client.example.com/callback", verifier, ""); err == nil {
		t.Fatal("expected exchange without secret to fail")
	}
	if _, err := server.ExchangeCode(ctx, client.ClientID, "wrong-secret", code,
		"https://client.example.com/callback", verifier, ""); err == nil {
		t.Fatal("expected exchange with wrong secret to fail")
	}
}

func TestRefreshGrantRotation(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")
	ctx := context.Background()

	first := authorizeAndExchange(t, server, client.ClientID, "user-1")

	second, err := server.RefreshGrant(ctx, client.ClientID, "", first.RefreshToken, "")
	if err != nil {
		t.Fatalf("RefreshGrant failed: %v", err)
	}
	if second.AccessToken == first.AccessToken {
		t.Error("refresh returned the same access token")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The presented refresh token is now dead, and so is the access token
	// anchored to the old session.
	if _, err := server.RefreshGrant(ctx, client.ClientID, "", first.RefreshToken, ""); err == nil {
		t.Error("expected reuse of rotated refresh token to fail")
	}
	if _, err := server.VerifyAccess(ctx, first.AccessToken); err == nil {
		t.Error("old access token survived rotation")
	}
	if _, err := server.VerifyAccess(ctx, second.AccessToken); err != nil {
		t.Errorf("new access token invalid: %v", err)
	}
}

func TestRefreshGrantWrongClient(t *testing.T) {
	server, _, _ := newTestServer(t)
	owner := registerTestClient(t, server, "public")
	other := registerTestClient(t, server, "public")

	resp := authorizeAndExchange(t, server, owner.ClientID, "user-1")
	_, err := server.RefreshGrant(context.Background(), other.ClientID, "", resp.RefreshToken, "")
	if err == nil {
		t.Error("expected refresh by another client to fail")
	}
}

func TestRefreshGrantMalformedToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")

	for _, token := range []string{"", "garbage", refreshTokenPrefix + "no-dot", refreshTokenPrefix + ".secret"} {
		if _, err := server.RefreshGrant(context.Background(), client.ClientID, "", token, ""); err == nil {
			t.Errorf("token %q: expected refresh to fail", token)
		}
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")
	ctx := context.Background()

	resp := authorizeAndExchange(t, server, client.ClientID, "user-1")
	if err := server.Revoke(ctx, client.ClientID, "", resp.RefreshToken, ""); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := server.VerifyAccess(ctx, resp.AccessToken); err == nil {
		t.Error("access token survived refresh token revocation")
	}

	// Revoking an already-dead token is not an error (RFC 7009).
	if err := server.Revoke(ctx, client.ClientID, "", resp.RefreshToken, ""); err != nil {
		t.Errorf("second Revoke failed: %v", err)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")
	ctx := context.Background()

	resp := authorizeAndExchange(t, server, client.ClientID, "user-1")
	if err := server.Revoke(ctx, client.ClientID, "", resp.AccessToken, ""); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := server.VerifyAccess(ctx, resp.AccessToken); err == nil {
		t.Error("access token survived revocation")
	}
}

func TestVerifyAccessScopes(t *testing.T) {
	server, _, _ := newTestServer(t)
	client := registerTestClient(t, server, "public")
	ctx := context.Background()

	resp := authorizeAndExchange(t, server, client.ClientID, "user-1")
	if _, err := server.VerifyAccess(ctx, resp.AccessToken, "connections:read"); err != nil {
		t.Errorf("granted scope rejected: %v", err)
	}

	_, err := server.VerifyAccess(ctx, resp.AccessToken, "admin:everything")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Status != 403 {
		t.Errorf("got %v, want insufficient_scope with status 403", err)
	}
}

func TestConnectFlowEndToEnd(t *testing.T) {
	server, _, platform := newTestServer(t)
	ctx := context.Background()

	authURL, capsule, err := server.StartConnect(ctx, "user-1", "mock", "")
	if err != nil {
		t.Fatalf("StartConnect failed: %v", err)
	}
	if !strings.Contains(authURL, "code_challenge=") {
		t.Errorf("authorization URL %q carries no code challenge", authURL)
	}

	// Recover the state the platform would echo back.
	state := queryParam(t, authURL, "state")

	conn, connErr := server.CompleteConnect(ctx, capsule, state, "upstream-code", "")
	if connErr != nil {
		t.Fatalf("CompleteConnect failed: %v", connErr)
	}
	if conn.Platform != "mock" {
		t.Errorf("platform = %q, want mock", conn.Platform)
	}
	if conn.AccountEmail != "mock@example.com" {
		t.Errorf("account email = %q", conn.AccountEmail)
	}
	if platform.GetCallCount("Exchange") != 1 {
		t.Errorf("Exchange called %d times, want 1", platform.GetCallCount("Exchange"))
	}

	// The connection is visible, grouped by category.
	listing, err := server.Connections(ctx, "user-1")
	if err != nil {
		t.Fatalf("Connections failed: %v", err)
	}
	views := listing.Connections["meeting"]
	if len(views) != 1 || views[0].Platform != "mock" {
		t.Errorf("unexpected listing: %+v", listing.Connections)
	}
}

func TestCompleteConnectPersistsGrantedScopes(t *testing.T) {
	server, _, platform := newTestServer(t)
	ctx := context.Background()

	platform.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
		tok := &oauth2.Token{
			AccessToken:  "upstream-access",
			TokenType:    "Bearer",
			RefreshToken: "upstream-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}
		return tok.WithExtra(map[string]any{"scope": "meeting:read meeting:write"}), nil
	}

	authURL, capsule, err := server.StartConnect(ctx, "user-1", "mock", "")
	if err != nil {
		t.Fatalf("StartConnect failed: %v", err)
	}
	conn, connErr := server.CompleteConnect(ctx, capsule, queryParam(t, authURL, "state"), "upstream-code", "")
	if connErr != nil {
		t.Fatalf("CompleteConnect failed: %v", connErr)
	}
	if got := strings.Join(conn.Scopes, " "); got != "meeting:read meeting:write" {
		t.Errorf("scopes = %q, want the upstream-granted set", got)
	}

	// The listing surfaces the granted set too.
	listing, err := server.Connections(ctx, "user-1")
	if err != nil {
		t.Fatalf("Connections failed: %v", err)
	}
	views := listing.Connections["meeting"]
	if len(views) != 1 || strings.Join(views[0].Scopes, " ") != "meeting:read meeting:write" {
		t.Errorf("unexpected listing: %+v", views)
	}
}

func TestCompleteConnectScopeFallback(t *testing.T) {
	// The default mock token response carries no scope field; the platform's
	// configured scope set stands in for the granted one.
	server, _, platform := newTestServer(t)
	ctx := context.Background()

	authURL, capsule, err := server.StartConnect(ctx, "user-1", "mock", "")
	if err != nil {
		t.Fatalf("StartConnect failed: %v", err)
	}
	conn, connErr := server.CompleteConnect(ctx, capsule, queryParam(t, authURL, "state"), "upstream-code", "")
	if connErr != nil {
		t.Fatalf("CompleteConnect failed: %v", connErr)
	}
	if got, want := strings.Join(conn.Scopes, " "), strings.Join(platform.Scopes(), " "); got != want {
		t.Errorf("scopes = %q, want configured set %q", got, want)
	}
}

func TestStartConnectUnknownPlatform(t *testing.T) {
	server, _, _ := newTestServer(t)
	if _, _, err := server.StartConnect(context.Background(), "user-1", "nope", ""); err == nil {
		t.Error("expected StartConnect to fail for unknown platform")
	}
}

func TestCompleteConnectStateMismatch(t *testing.T) {
	server, _, _ := newTestServer(t)
	ctx := context.Background()

	authURL, capsule, err := server.StartConnect(ctx, "user-1", "mock", "")
	if err != nil {
		t.Fatalf("StartConnect failed: %v", err)
	}
	state := queryParam(t, authURL, "state")

	_, connErr := server.CompleteConnect(ctx, capsule, "forged-state", "upstream-code", "")
	if connErr == nil || connErr.Reason != ConnectReasonStateMismatch {
		t.Fatalf("got %v, want state_mismatch", connErr)
	}

	// The mismatch consumed the transaction; the correct state no longer
	// works either.
	_, connErr = server.CompleteConnect(ctx, capsule, state, "upstream-code", "")
	if connErr == nil || connErr.Reason != ConnectReasonMissingSession {
		t.Errorf("got %v, want missing_session after consumed mismatch", connErr)
	}
}

func TestCompleteConnectAccessDenied(t *testing.T) {
	server, _, platform := newTestServer(t)

	_, connErr := server.CompleteConnect(context.Background(), "", "", "", "access_denied")
	if connErr == nil || connErr.Reason != ConnectReasonAccessDenied {
		t.Fatalf("got %v, want access_denied", connErr)
	}
	if platform.GetCallCount("Exchange") != 0 {
		t.Error("Exchange called for a denied callback")
	}
}

func TestCompleteConnectMissingCapsule(t *testing.T) {
	server, _, _ := newTestServer(t)

	_, connErr := server.CompleteConnect(context.Background(), "", "some-state", "code", "")
	if connErr == nil || connErr.Reason != ConnectReasonMissingSession {
		t.Errorf("got %v, want missing_session", connErr)
	}
}

func TestCompleteConnectExchangeFailure(t *testing.T) {
	server, _, platform := newTestServer(t)
	ctx := context.Background()

	platform.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
		return nil, &platforms.UpstreamError{Platform: "mock", Op: "exchange", StatusCode: 500}
	}

	authURL, capsule, err := server.StartConnect(ctx, "user-1", "mock", "")
	if err != nil {
		t.Fatalf("StartConnect failed: %v", err)
	}
	state := queryParam(t, authURL, "state")

	_, connErr := server.CompleteConnect(ctx, capsule, state, "upstream-code", "")
	if connErr == nil || connErr.Reason != ConnectReasonExchangeFailed {
		t.Errorf("got %v, want exchange_failed", connErr)
	}
}

func TestCompleteConnectAccountInfoFailureIsNotFatal(t *testing.T) {
	server, _, platform := newTestServer(t)
	ctx := context.Background()

	platform.AccountInfoFunc = func(ctx context.Context, accessToken string) (*platforms.Account, error) {
		return nil, errors.New("profile endpoint down")
	}

	authURL, capsule, err := server.StartConnect(ctx, "user-1", "mock", "")
	if err != nil {
		t.Fatalf("StartConnect failed: %v", err)
	}
	state := queryParam(t, authURL, "state")

	conn, connErr := server.CompleteConnect(ctx, capsule, state, "upstream-code", "")
	if connErr != nil {
		t.Fatalf("CompleteConnect failed: %v", connErr)
	}
	if conn.AccountEmail != "" {
		t.Errorf("account email = %q, want empty", conn.AccountEmail)
	}
}

func TestDisconnectNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	err := server.Disconnect(context.Background(), "user-1", "mock")
	if !errors.Is(err, storage.ErrConnectionNotFound) {
		t.Errorf("got %v, want ErrConnectionNotFound", err)
	}
}

func TestDiscoveryMetadata(t *testing.T) {
	server, _, _ := newTestServer(t)

	meta := server.AuthorizationServerMetadata()
	if meta.Issuer != "http://localhost:8080" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "http://localhost:8080/oauth/token" {
		t.Errorf("token endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code challenge methods = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}

	resource := server.ProtectedResourceMetadata()
	if resource.Resource != "http://localhost:8080" {
		t.Errorf("resource = %q", resource.Resource)
	}
	if len(resource.AuthorizationServers) != 1 || resource.AuthorizationServers[0] != meta.Issuer {
		t.Errorf("authorization servers = %v", resource.AuthorizationServers)
	}

	ks, err := server.KeySet()
	if err != nil {
		t.Fatalf("KeySet failed: %v", err)
	}
	if len(ks.Keys) != 1 || ks.Keys[0].Use != "sig" {
		t.Errorf("unexpected key set: %+v", ks.Keys)
	}
}

func TestTouchUserUpdatesLastSeen(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()

	if err := server.touchUser(ctx, "user-1"); err != nil {
		t.Fatalf("touchUser failed: %v", err)
	}
	first, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := server.touchUser(ctx, "user-1"); err != nil {
		t.Fatalf("second touchUser failed: %v", err)
	}
	second, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if !second.LastSeenAt.After(first.LastSeenAt) {
		t.Error("LastSeenAt was not advanced")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}
}

// queryParam extracts one query parameter from a URL, failing the test if
// absent.
func queryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	start := strings.Index(rawURL, key+"=")
	if start < 0 {
		t.Fatalf("url %q has no %s parameter", rawURL, key)
	}
	value := rawURL[start+len(key)+1:]
	if end := strings.IndexByte(value, '&'); end >= 0 {
		value = value[:end]
	}
	return value
}
