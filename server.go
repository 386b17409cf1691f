// Package credbroker implements an identity and credential broker between an
// AI chat client and third-party productivity platforms. Toward the calling
// client it is an OAuth 2.1 authorization server issuing its own signed
// tokens; toward the platforms it is an OAuth client holding the real
// credentials, which never leave the broker.
package credbroker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/flow"
	"github.com/workmesh/credbroker/identity"
	"github.com/workmesh/credbroker/instrumentation"
	"github.com/workmesh/credbroker/keys"
	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/security"
	"github.com/workmesh/credbroker/storage"
	"github.com/workmesh/credbroker/tokens"
	"github.com/workmesh/credbroker/vault"
)

// refreshTokenPrefix marks broker refresh tokens. The token is
// "cbr_<session id>.<secret>": the session id locates the session row, the
// secret is compared against its stored hash.
const refreshTokenPrefix = "cbr_"

// Storage is the full persistence surface the broker needs. The memory
// store satisfies all of it; deployments may override the connection store
// with the valkey backend via Dependencies.Connections.
type Storage interface {
	storage.ClientStore
	storage.CodeStore
	storage.SessionStore
	storage.UserStore
	storage.ConnectionStore
}

// ipTracker is implemented by stores that count registrations per IP.
type ipTracker interface {
	TrackClientIP(ip string)
}

// Dependencies carries the injectable collaborators for a Server.
type Dependencies struct {
	// Storage is the persistence backend (required).
	Storage Storage

	// Connections optionally overrides the connection store, e.g. with the
	// valkey backend for multi-instance deployments.
	Connections storage.ConnectionStore

	// Registry is the upstream platform registry (required).
	Registry *platforms.Registry

	// Resolver optionally overrides the identity resolver.
	Resolver *identity.Resolver
}

// Server is the broker core: authorization server toward the calling client,
// connect flow orchestrator toward the platforms.
type Server struct {
	cfg    Config
	logger *slog.Logger

	keys     *keys.Manager
	codec    *tokens.Codec
	flows    *flow.Store
	resolver *identity.Resolver
	registry *platforms.Registry
	vault    *vault.Vault

	clients  storage.ClientStore
	codes    storage.CodeStore
	sessions storage.SessionStore
	users    storage.UserStore

	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewServer constructs the broker from configuration and dependencies,
// failing closed on invalid configuration.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("platform registry is required")
	}

	var km *keys.Manager
	var err error
	if len(cfg.SigningKeyPEM) > 0 {
		km, err = keys.LoadPEM(cfg.SigningKeyPEM, cfg.SigningKeyID)
	} else {
		cfg.Logger.Warn("No signing key configured, generating an ephemeral key pair; issued tokens will not survive a restart")
		km, err = keys.Generate()
	}
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	codec, err := tokens.NewCodec(km, cfg.Issuer, cfg.Resource)
	if err != nil {
		return nil, err
	}

	// The flow capsule needs a sealing key even when credential encryption
	// is off; an ephemeral key suffices because capsules only live minutes.
	capsuleKey := cfg.EncryptionKey
	var credEncryptor *security.Encryptor
	if len(capsuleKey) == 0 {
		capsuleKey, err = security.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate capsule key: %w", err)
		}
	} else {
		credEncryptor, err = security.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}
	capsuleEncryptor, err := security.NewEncryptor(capsuleKey)
	if err != nil {
		return nil, fmt.Errorf("capsule key: %w", err)
	}

	flows, err := flow.NewStore(capsuleEncryptor, cfg.ConnectTTL, cfg.Logger)
	if err != nil {
		return nil, err
	}

	connections := storage.ConnectionStore(deps.Storage)
	if deps.Connections != nil {
		connections = deps.Connections
	}
	if credEncryptor != nil {
		if ec, ok := connections.(interface {
			SetEncryptor(*security.Encryptor)
		}); ok {
			ec.SetEncryptor(credEncryptor)
		}
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = identity.NewResolver()
	}

	auditor := security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging)

	v := vault.New(connections, deps.Registry)
	v.SetLogger(cfg.Logger)
	v.SetAuditor(auditor)

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		keys:     km,
		codec:    codec,
		flows:    flows,
		resolver: resolver,
		registry: deps.Registry,
		vault:    v,
		clients:  deps.Storage,
		codes:    deps.Storage,
		sessions: deps.Storage,
		users:    deps.Storage,
		auditor:  auditor,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
		v.SetMetrics(s.metrics)
		if s.metrics != nil {
			auditor.SetObserver(func(eventType string) {
				s.metrics.RecordAuditEvent(context.Background(), eventType)
			})
		}
	}
	return s, nil
}

// Close releases background resources.
func (s *Server) Close() {
	s.flows.Stop()
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Vault exposes the credential vault, for the tool layer.
func (s *Server) Vault() *vault.Vault {
	return s.vault
}

// Resolver exposes the identity resolver.
func (s *Server) Resolver() *identity.Resolver {
	return s.resolver
}

// KeySet returns the public signing keys for the JWKS endpoint.
func (s *Server) KeySet() (jose.JSONWebKeySet, error) {
	return s.keys.KeySet()
}

// ============================================================
// Client registration
// ============================================================

// RegisterClient registers a chat client application. Confidential clients
// receive a generated secret, returned exactly once.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	if req == nil {
		return nil, ErrInvalidRequest("missing registration request")
	}
	if err := validateRedirectURIs(req.RedirectURIs); err != nil {
		return nil, ErrInvalidRedirectURI(err.Error())
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = "public"
	}
	if clientType != "public" && clientType != "confidential" {
		return nil, ErrInvalidRequest(fmt.Sprintf("unknown client_type %q", clientType))
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		if clientType == "public" {
			authMethod = "none"
		} else {
			authMethod = "client_secret_basic"
		}
	}
	if clientType == "public" && authMethod != "none" {
		return nil, ErrInvalidRequest("public clients must use token_endpoint_auth_method none")
	}
	if clientType == "confidential" && authMethod == "none" {
		return nil, ErrInvalidRequest("confidential clients require client authentication")
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), s.cfg.SupportedScopes...)
	} else if !s.cfg.supportsScope(scopes) {
		return nil, ErrInvalidScope("requested scope is not supported")
	}

	if clientIP != "" && s.cfg.MaxClientsPerIP > 0 {
		if err := s.clients.CheckIPLimit(ctx, clientIP, s.cfg.MaxClientsPerIP); err != nil {
			return nil, ErrInvalidRequest("client registration limit reached for this address")
		}
	}

	clientID, err := randomToken(16)
	if err != nil {
		return nil, ErrServerError("failed to generate client id")
	}

	var clientSecret, secretHash string
	if clientType == "confidential" {
		clientSecret, err = randomToken(32)
		if err != nil {
			return nil, ErrServerError("failed to generate client secret")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to hash client secret")
		}
		secretHash = string(hash)
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		CreatedAt:               now,
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("failed to save client")
	}
	if tracker, ok := s.clients.(ipTracker); ok && clientIP != "" {
		tracker.TrackClientIP(clientIP)
	}

	s.auditor.LogClientRegistered(clientID, clientType, clientIP)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, clientType)
	}
	s.logger.Info("Registered client",
		"client_id", clientID,
		"client_type", clientType,
		"client_name", client.ClientName)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(scopes, " "),
		ClientType:              clientType,
	}, nil
}

// ============================================================
// Authorization endpoint
// ============================================================

// AuthorizeRequest carries the parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
}

// Authorize validates an authorization request and issues a short-lived
// code bound to the client, redirect URI, scope and PKCE challenge. PKCE
// with S256 is mandatory for every client.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", ErrInvalidClient("unknown client")
	}
	if !redirectURIRegistered(client.RedirectURIs, req.RedirectURI) {
		// Never redirect to an unregistered URI: this error renders
		// directly instead of redirecting.
		return "", ErrInvalidRedirectURI("redirect URI is not registered for this client")
	}

	if req.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required (PKCE)")
	}
	if req.CodeChallengeMethod != "S256" {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return "", ErrInvalidRequest("code_challenge_method must be S256")
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !s.cfg.supportsScope(scopes) {
		return "", ErrInvalidScope("requested scope is not supported")
	}

	if req.UserID == "" {
		return "", ErrInvalidRequest("no user identity could be resolved")
	}
	if err := s.touchUser(ctx, req.UserID); err != nil {
		return "", ErrServerError("failed to record user")
	}

	code, err := randomToken(32)
	if err != nil {
		return "", ErrServerError("failed to generate authorization code")
	}

	now := time.Now()
	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              req.UserID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
	}
	if err := s.codes.SaveCode(ctx, record); err != nil {
		return "", ErrServerError("failed to save authorization code")
	}

	s.logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"user_id", req.UserID,
		"scope", record.Scope)
	return code, nil
}

// ============================================================
// Token endpoint
// ============================================================

// authenticateClient verifies client credentials for the token endpoint.
// Confidential clients must present their secret; public clients rely on
// PKCE.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		// Burn a comparison anyway so unknown and known clients take the
		// same time.
		_ = s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
		s.auditor.LogAuthFailure("", clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}
	if client.ClientType == "confidential" || clientSecret != "" {
		if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			s.auditor.LogAuthFailure("", clientID, clientIP, "bad_secret")
			return nil, ErrInvalidClient("client authentication failed")
		}
	}
	return client, nil
}

// ExchangeCode implements the authorization_code grant: one-shot code
// consumption, PKCE verification and token issuance.
func (s *Server) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI, codeVerifier, clientIP string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return nil, err
	}
	if code == "" || codeVerifier == "" {
		return nil, ErrInvalidRequest("code and code_verifier are required")
	}

	record, err := s.codes.AtomicConsumeCode(ctx, code)
	switch {
	case errors.Is(err, storage.ErrCodeConsumed):
		// Code replay. Revoke everything minted from the first use: the
		// code may have been intercepted.
		if record != nil {
			if n, derr := s.sessions.DeleteUserClientSessions(ctx, record.UserID, record.ClientID); derr == nil && n > 0 {
				s.logger.Warn("Authorization code replay detected, revoked sessions",
					"client_id", record.ClientID,
					"sessions_revoked", n)
			}
		}
		return nil, ErrInvalidGrant("authorization code already used")
	case errors.Is(err, storage.ErrCodeExpired):
		return nil, ErrInvalidGrant("authorization code expired")
	case err != nil:
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if record.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if !redirectURIRegistered([]string{record.RedirectURI}, redirectURI) {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	derived := oauth2.S256ChallengeFromVerifier(codeVerifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(record.CodeChallenge)) != 1 {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, "S256")
		}
		s.auditor.LogAuthFailure(record.UserID, clientID, clientIP, "pkce_mismatch")
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, clientID)
	}
	return s.issueTokens(ctx, record.UserID, client.ClientID, strings.Fields(record.Scope))
}

// RefreshGrant implements the refresh_token grant with rotation: the
// presented token is invalidated and a new session is minted.
func (s *Server) RefreshGrant(ctx context.Context, clientID, clientSecret, refreshToken, clientIP string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	sessionID, secret, ok := splitRefreshToken(refreshToken)
	if !ok {
		return nil, ErrInvalidGrant("malformed refresh token")
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if session.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("refresh token was issued to another client")
	}
	if session.RefreshTokenHash == "" ||
		subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(session.RefreshTokenHash)) != 1 {
		s.auditor.LogAuthFailure(session.UserID, clientID, clientIP, "bad_refresh_token")
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if security.IsCredentialExpired(session.RefreshExpiresAt) {
		return nil, ErrInvalidGrant("refresh token expired")
	}

	// Rotation: the old session (and with it the old access token's
	// revocation anchor) goes away atomically with reuse of the secret.
	if err := s.sessions.DeleteSession(ctx, session.TokenID); err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	resp, err := s.issueTokens(ctx, session.UserID, client.ClientID, strings.Fields(session.Scope))
	if err != nil {
		return nil, err
	}
	s.auditor.LogTokenRefreshed(session.UserID, clientID, true)
	return resp, nil
}

// issueTokens mints a signed access token plus rotating refresh token and
// records the session row that anchors revocation.
func (s *Server) issueTokens(ctx context.Context, userID, clientID string, scopes []string) (*TokenResponse, error) {
	token, tokenID, err := s.codec.Issue(userID, scopes, clientID, "", s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, ErrServerError("failed to sign token")
	}

	secret, err := randomToken(32)
	if err != nil {
		return nil, ErrServerError("failed to generate refresh token")
	}

	now := time.Now()
	session := &storage.Session{
		TokenID:          tokenID,
		UserID:           userID,
		ClientID:         clientID,
		Scope:            strings.Join(scopes, " "),
		RefreshTokenHash: hashSecret(secret),
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.cfg.AccessTokenTTL),
		RefreshExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, ErrServerError("failed to record session")
	}

	s.auditor.LogTokenIssued(userID, clientID, session.Scope)
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, clientID)
	}

	return &TokenResponse{
		AccessToken:  token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshTokenPrefix + tokenID + "." + secret,
		Scope:        session.Scope,
	}, nil
}

// Revoke invalidates a presented access or refresh token (RFC 7009). An
// already-invalid token is not an error.
func (s *Server) Revoke(ctx context.Context, clientID, clientSecret, token, clientIP string) error {
	client, err := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return err
	}

	tokenType := "access_token"
	var sessionID, userID string
	if id, secret, ok := splitRefreshToken(token); ok {
		tokenType = "refresh_token"
		session, err := s.sessions.GetSession(ctx, id)
		if err != nil {
			return nil
		}
		if session.ClientID != client.ClientID ||
			subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(session.RefreshTokenHash)) != 1 {
			return nil
		}
		sessionID, userID = session.TokenID, session.UserID
	} else {
		claims, err := s.codec.Verify(token)
		if err != nil {
			return nil
		}
		if claims.ClientID != client.ClientID {
			return nil
		}
		sessionID, userID = claims.TokenID, claims.Subject
	}

	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return nil
	}
	s.auditor.LogTokenRevoked(userID, client.ClientID, tokenType)
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID)
	}
	return nil
}

// VerifyAccess validates a presented bearer token: signature and claims via
// the codec, revocation via the session row, then scope covering.
func (s *Server) VerifyAccess(ctx context.Context, rawToken string, requiredScopes ...string) (*tokens.Claims, error) {
	claims, err := s.codec.Verify(rawToken)
	if err != nil {
		if errors.Is(err, tokens.ErrAudienceMismatch) {
			return nil, ErrInvalidToken("token was issued for another resource")
		}
		return nil, ErrInvalidToken("token is invalid or expired")
	}

	if _, err := s.sessions.GetSession(ctx, claims.TokenID); err != nil {
		return nil, ErrInvalidToken("token has been revoked")
	}

	for _, scope := range requiredScopes {
		if !claims.HasScope(scope) {
			return nil, NewOAuthError("insufficient_scope",
				fmt.Sprintf("token lacks required scope %q", scope), 403)
		}
	}
	return claims, nil
}

// ============================================================
// Connect flow
// ============================================================

// StartConnect begins a platform connect attempt for the user: a fresh PKCE
// transaction and the platform authorization URL to redirect to. The
// returned capsule must travel to the callback in the flow cookie.
func (s *Server) StartConnect(ctx context.Context, userID, platform, clientIP string) (authURL, capsule string, err error) {
	p, err := s.registry.Get(platform)
	if err != nil {
		return "", "", err
	}
	if err := s.touchUser(ctx, userID); err != nil {
		return "", "", fmt.Errorf("failed to record user: %w", err)
	}

	tx, capsule, err := s.flows.Begin(platform, userID)
	if err != nil {
		return "", "", fmt.Errorf("failed to begin connect flow: %w", err)
	}

	s.auditor.LogConnectStarted(userID, platform, clientIP)
	if s.metrics != nil {
		s.metrics.RecordConnectStarted(ctx, platform)
	}

	return p.AuthorizationURL(tx.State, tx.Challenge()), capsule, nil
}

// CompleteConnect finishes a connect attempt from callback parameters. On
// success the exchanged credential set is saved as the user's active
// connection. Failures carry a categorized, user-visible reason.
func (s *Server) CompleteConnect(ctx context.Context, capsule, state, code, errParam string) (*storage.Connection, *ConnectError) {
	if errParam != "" {
		// The platform reported a failure; the capsule stays unconsumed but
		// is useless, the user starts over.
		return nil, s.connectFailed(ctx, "", ConnectReasonAccessDenied,
			fmt.Errorf("platform returned %q", errParam))
	}

	tx, err := s.flows.Complete(capsule, state)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrStateMismatch):
			if s.metrics != nil {
				s.metrics.RecordStateMismatch(ctx, "")
			}
			return nil, s.connectFailed(ctx, "", ConnectReasonStateMismatch, err)
		default:
			return nil, s.connectFailed(ctx, "", ConnectReasonMissingSession, err)
		}
	}

	p, err := s.registry.Get(tx.Platform)
	if err != nil {
		return nil, s.connectFailed(ctx, tx.Platform, ConnectReasonUnsupportedPlatform, err)
	}
	if code == "" {
		return nil, s.connectFailed(ctx, tx.Platform, ConnectReasonExchangeFailed,
			fmt.Errorf("callback carried no authorization code"))
	}

	start := time.Now()
	token, err := p.Exchange(ctx, code, tx.Verifier)
	if s.metrics != nil {
		s.metrics.RecordUpstreamCall(ctx, tx.Platform, "exchange",
			float64(time.Since(start).Milliseconds()), err)
	}
	if err != nil {
		var upstreamErr *platforms.UpstreamError
		if errors.As(err, &upstreamErr) && upstreamErr.AccessDenied() {
			return nil, s.connectFailed(ctx, tx.Platform, ConnectReasonAccessDenied, err)
		}
		return nil, s.connectFailed(ctx, tx.Platform, ConnectReasonExchangeFailed, err)
	}

	// Account identity is display metadata; its failure must not undo a
	// successful exchange.
	account, err := p.AccountInfo(ctx, token.AccessToken)
	if err != nil {
		s.logger.Warn("Failed to fetch account info",
			"platform", tx.Platform,
			"error", err)
		account = nil
	}

	// The scope set actually granted may be narrower than requested; the
	// connection records what the platform reported.
	scopes := platforms.GrantedScopes(token, p.Scopes())

	conn, err := s.vault.Save(ctx, tx.UserID, tx.Platform, token, account, scopes)
	if err != nil {
		return nil, s.connectFailed(ctx, tx.Platform, ConnectReasonExchangeFailed, err)
	}

	if s.metrics != nil {
		s.metrics.RecordConnectCompleted(ctx, tx.Platform, true)
	}
	return conn, nil
}

func (s *Server) connectFailed(ctx context.Context, platform, reason string, err error) *ConnectError {
	s.auditor.LogConnectFailed(platform, reason, "")
	if s.metrics != nil {
		s.metrics.RecordConnectCompleted(ctx, platform, false)
	}
	s.logger.Info("Connect flow failed",
		"platform", platform,
		"reason", reason,
		"error", err)
	return newConnectError(reason, platform, err)
}

// ============================================================
// Connections listing
// ============================================================

// Connections returns the user's active connections grouped by category.
func (s *Server) Connections(ctx context.Context, userID string) (*ConnectionsResponse, error) {
	conns, err := s.vault.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]ConnectionView)
	for _, conn := range conns {
		category := "other"
		if p, err := s.registry.Get(conn.Platform); err == nil {
			category = string(p.Category())
		}
		grouped[category] = append(grouped[category], ConnectionView{
			Platform:     conn.Platform,
			Category:     category,
			AccountEmail: conn.AccountEmail,
			AccountName:  conn.AccountName,
			Scopes:       conn.Scopes,
			ConnectedAt:  conn.CreatedAt.Unix(),
		})
	}
	return &ConnectionsResponse{UserID: userID, Connections: grouped}, nil
}

// Disconnect deactivates the user's connection for a platform.
func (s *Server) Disconnect(ctx context.Context, userID, platform string) error {
	return s.vault.Disconnect(ctx, userID, platform)
}

// ============================================================
// Discovery metadata
// ============================================================

// AuthorizationServerMetadata renders the RFC 8414 discovery document.
func (s *Server) AuthorizationServerMetadata() *AuthorizationServerMetadata {
	issuer := strings.TrimRight(s.cfg.Issuer, "/")
	return &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ScopesSupported:                   s.cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// ProtectedResourceMetadata renders the RFC 9728 discovery document.
func (s *Server) ProtectedResourceMetadata() *ProtectedResourceMetadata {
	issuer := strings.TrimRight(s.cfg.Issuer, "/")
	return &ProtectedResourceMetadata{
		Resource:                          strings.TrimRight(s.cfg.Resource, "/"),
		AuthorizationServers:              []string{issuer},
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: []string{"RS256"},
		ScopesSupported:                   s.cfg.SupportedScopes,
	}
}

// ============================================================
// Helpers
// ============================================================

// touchUser upserts the pseudonymous user row, refreshing LastSeenAt.
func (s *Server) touchUser(ctx context.Context, userID string) error {
	now := time.Now()
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			return err
		}
		user = &storage.User{ID: userID, CreatedAt: now}
	}
	user.LastSeenAt = now
	return s.users.SaveUser(ctx, user)
}

// randomToken returns n bytes of cryptographic randomness, URL-safe encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashSecret returns the hex SHA-256 of a refresh secret. Refresh secrets
// are high-entropy, so a plain hash (no bcrypt) is sufficient and keeps the
// grant path cheap.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// splitRefreshToken parses "cbr_<session id>.<secret>".
func splitRefreshToken(token string) (sessionID, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, refreshTokenPrefix)
	if !found {
		return "", "", false
	}
	sessionID, secret, found = strings.Cut(rest, ".")
	if !found || sessionID == "" || secret == "" {
		return "", "", false
	}
	return sessionID, secret, true
}
