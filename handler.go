package credbroker

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/workmesh/credbroker/flow"
	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/security"
	"github.com/workmesh/credbroker/storage"
)

// Handler exposes the broker over HTTP: discovery, the authorization server
// endpoints, the platform connect flow and the connections API.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	limiter *security.RateLimiter
}

// NewHandler wraps a Server with its HTTP surface.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	h := &Handler{server: server, logger: logger}
	if rl := server.cfg.RateLimit; rl.Rate > 0 {
		h.limiter = security.NewRateLimiter(rl.Rate, rl.Burst, logger)
	}
	return h
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the broker's HTTP mux with middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleAuthServerMetadata)
	mux.HandleFunc("GET /.well-known/openid-configuration", h.handleAuthServerMetadata)
	mux.HandleFunc("GET /.well-known/jwks.json", h.handleJWKS)

	mux.HandleFunc("POST /oauth/register", h.handleRegister)
	mux.HandleFunc("GET /oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("POST /oauth/token", h.handleToken)
	mux.HandleFunc("POST /oauth/revoke", h.handleRevoke)

	mux.HandleFunc("GET /connect/{platform}", h.handleConnect)
	mux.HandleFunc("GET /oauth/callback/{platform}", h.handleCallback)
	mux.HandleFunc("GET "+h.server.cfg.SuccessRedirectPath, h.handleConnectSuccess)
	mux.HandleFunc("GET "+h.server.cfg.ErrorRedirectPath, h.handleConnectError)

	mux.HandleFunc("GET /api/connections", h.handleListConnections)
	mux.HandleFunc("DELETE /api/connections/{platform}", h.handleDisconnect)

	var handler http.Handler = mux
	handler = h.rateLimitMiddleware(handler)
	handler = h.metricsMiddleware(handler)
	handler = h.securityHeadersMiddleware(handler)
	handler = security.RequestIDMiddleware(handler)
	return handler
}

// ============================================================
// Middleware
// ============================================================

func (h *Handler) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.cfg.Issuer)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.clientIP(r)
		if !h.limiter.Allow(ip) {
			h.server.auditor.LogRateLimitExceeded(ip, "")
			if h.server.metrics != nil {
				h.server.metrics.RecordRateLimitExceeded(r.Context(), "ip")
			}
			w.Header().Set("Retry-After", "1")
			h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded,
				"too many requests", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	if h.server.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.server.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path,
			rec.status, float64(time.Since(start).Milliseconds()))
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	rl := h.server.cfg.RateLimit
	return security.GetClientIP(r, rl.TrustProxy, rl.TrustedProxyCount)
}

// ============================================================
// Discovery
// ============================================================

func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.server.ProtectedResourceMetadata())
}

func (h *Handler) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.server.AuthorizationServerMetadata())
}

// handleJWKS serves the public key set. A missing key degrades to an empty
// set rather than a 5xx: verifiers treat the two the same, and the endpoint
// stays probeable while the deployment is diagnosed.
func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	ks, err := h.server.KeySet()
	if err != nil {
		h.logger.Error("JWKS unavailable", "error", err)
		h.writeJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
		return
	}
	h.writeJSON(w, http.StatusOK, ks)
}

// ============================================================
// Authorization server endpoints
// ============================================================

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("invalid registration request body"))
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), &req, h.clientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "code" {
		h.authorizeError(w, r, q.Get("redirect_uri"), q.Get("state"),
			ErrInvalidRequest(fmt.Sprintf("unsupported response_type %q", rt)))
		return
	}

	userID, err := h.server.resolver.Resolve(r, q.Get("user_id"))
	if err != nil {
		h.writeError(w, ErrInvalidRequest("no user identity could be resolved"))
		return
	}

	code, err := h.server.Authorize(r.Context(), &AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		UserID:              userID,
	})
	if err != nil {
		h.authorizeError(w, r, q.Get("redirect_uri"), q.Get("state"), err)
		return
	}

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		h.writeError(w, ErrInvalidRedirectURI("invalid redirect URI"))
		return
	}
	params := redirect.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// authorizeError reports an authorization failure. Client and redirect URI
// problems render directly; everything else redirects back to the client
// with error parameters per RFC 6749 section 4.1.2.1.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrServerError("authorization failed")
	}
	if oauthErr.Code == ErrorCodeInvalidClient || oauthErr.Code == ErrorCodeInvalidRedirectURI || redirectURI == "" {
		h.writeError(w, oauthErr)
		return
	}

	redirect, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	params := redirect.Query()
	params.Set("error", oauthErr.Code)
	params.Set("error_description", oauthErr.Description)
	if state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("invalid form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	ip := h.clientIP(r)

	var resp *TokenResponse
	var err error
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		resp, err = h.server.ExchangeCode(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			ip)
	case "refresh_token":
		resp, err = h.server.RefreshGrant(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("refresh_token"),
			ip)
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", grantType))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("invalid form body"))
		return
	}
	clientID, clientSecret := h.clientCredentials(r)

	err := h.server.Revoke(r.Context(), clientID, clientSecret,
		r.PostFormValue("token"), h.clientIP(r))
	if err != nil {
		// Only client authentication failures surface; an invalid token is
		// a 200 per RFC 7009.
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// clientCredentials extracts client authentication from Basic auth or the
// form body, in that order.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// Basic auth credentials are form-urlencoded per RFC 6749
		// section 2.3.1.
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// ============================================================
// Connect flow
// ============================================================

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")

	userID, err := h.resolveAPIUser(r, "connections:write")
	if err != nil {
		h.writeError(w, err)
		return
	}

	authURL, capsule, err := h.server.StartConnect(r.Context(), userID, platform, h.clientIP(r))
	if err != nil {
		if errors.Is(err, platforms.ErrUnsupportedPlatform) {
			h.writeError(w, ErrInvalidRequest(fmt.Sprintf("unknown platform %q", platform)))
			return
		}
		h.logger.Error("Failed to start connect flow", "platform", platform, "error", err)
		h.writeError(w, ErrServerError("failed to start connect flow"))
		return
	}

	h.server.flows.SetCookie(w, capsule)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	capsule := flow.CapsuleFromRequest(r)
	flow.ClearCookie(w)

	conn, connErr := h.server.CompleteConnect(r.Context(),
		capsule, q.Get("state"), q.Get("code"), q.Get("error"))
	if connErr != nil {
		h.logger.Info("Connect callback failed",
			"platform", r.PathValue("platform"),
			"reason", connErr.Reason)
		errorURL := h.server.cfg.ErrorRedirectPath + "?error=" + url.QueryEscape(connErr.Reason)
		http.Redirect(w, r, errorURL, http.StatusFound)
		return
	}

	successURL := h.server.cfg.SuccessRedirectPath + "?platform=" + url.QueryEscape(conn.Platform)
	http.Redirect(w, r, successURL, http.StatusFound)
}

func (h *Handler) handleConnectSuccess(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	h.writeHTML(w, http.StatusOK, "Connected",
		fmt.Sprintf("Your %s account is now connected. You can close this window and return to the assistant.",
			html.EscapeString(platform)))
}

// connectErrorMessages maps callback failure reasons to user-facing text.
var connectErrorMessages = map[string]string{
	ConnectReasonAccessDenied:        "The platform reported that access was denied. You can start the connection again if this was a mistake.",
	ConnectReasonStateMismatch:       "The response could not be verified. For safety this attempt was discarded; please start the connection again.",
	ConnectReasonMissingSession:      "The connection attempt expired or the session was lost. Please start the connection again.",
	ConnectReasonExchangeFailed:      "The platform could not complete the connection. Please try again in a moment.",
	ConnectReasonUnsupportedPlatform: "This platform is not supported.",
}

func (h *Handler) handleConnectError(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("error")
	msg, ok := connectErrorMessages[reason]
	if !ok {
		msg = "The connection attempt failed. Please start the connection again."
	}
	h.writeHTML(w, http.StatusOK, "Connection failed", msg)
}

// ============================================================
// Connections API
// ============================================================

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolveAPIUser(r, "connections:read")
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, listErr := h.server.Connections(r.Context(), userID)
	if listErr != nil {
		h.writeError(w, ErrServerError("failed to list connections"))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")

	userID, err := h.resolveAPIUser(r, "connections:write")
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.server.Disconnect(r.Context(), userID, platform); err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			h.writeJSON(w, http.StatusNotFound, &ErrorResponse{
				Error:            "not_found",
				ErrorDescription: fmt.Sprintf("no active %s connection", platform),
			})
			return
		}
		h.writeError(w, ErrServerError("failed to disconnect"))
		return
	}
	h.writeJSON(w, http.StatusOK, &DisconnectResponse{Success: true, Platform: platform})
}

// resolveAPIUser determines the acting user for API and connect endpoints.
// A valid bearer token wins; otherwise identity falls back to the resolver's
// header chain (a deployment behind a trusted gateway).
func (h *Handler) resolveAPIUser(r *http.Request, scope string) (string, error) {
	if raw := bearerToken(r); raw != "" {
		claims, err := h.server.VerifyAccess(r.Context(), raw, scope)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}

	userID, err := h.server.resolver.Resolve(r, "")
	if err != nil {
		return "", ErrInvalidToken("authentication required")
	}
	return userID, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// ============================================================
// Response helpers
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrServerError("internal error")
	}
	if oauthErr.Code == ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token endpoint"`)
	}
	if oauthErr.Code == ErrorCodeInvalidToken {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, oauthErr.Description))
	}
	h.writeJSON(w, oauthErr.Status, &ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeHTML(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), body)
}
