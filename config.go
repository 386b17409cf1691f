package credbroker

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/workmesh/credbroker/flow"
	"github.com/workmesh/credbroker/instrumentation"
)

// Default token lifetimes
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultCodeTTL         = 5 * time.Minute
	DefaultMaxClientsPerIP = 10
)

// DefaultScopes are the broker scopes granted when a client requests none.
var DefaultScopes = []string{"connections:read", "connections:write", "tools:invoke"}

// Config holds the broker configuration
type Config struct {
	// Issuer is the broker's issuer identifier URL (required). It is also
	// the base URL all endpoint URLs in discovery metadata derive from.
	Issuer string

	// Resource is the protected resource identifier (RFC 8707). Defaults to
	// Issuer.
	Resource string

	// SupportedScopes are the broker scopes clients may request.
	SupportedScopes []string

	// SigningKeyPEM is the PEM-encoded RSA private key for token signing.
	// When empty a fresh key pair is generated at startup; issued tokens
	// then do not survive a restart, which is acceptable for development
	// only.
	SigningKeyPEM []byte

	// SigningKeyID overrides the derived key identifier.
	SigningKeyID string

	// EncryptionKey is the AES-256 key (32 bytes) for credential encryption
	// at rest and flow capsule sealing. Nil disables credential encryption;
	// capsules are then sealed with an ephemeral per-process key.
	EncryptionKey []byte

	// AccessTokenTTL is the lifetime of issued broker access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long broker refresh tokens remain valid.
	// Zero means the default of 30 days.
	RefreshTokenTTL time.Duration

	// CodeTTL is the lifetime of issued authorization codes.
	CodeTTL time.Duration

	// ConnectTTL bounds how long a platform connect attempt may take.
	ConnectTTL time.Duration

	// MaxClientsPerIP limits client registrations per IP. Zero means the
	// default; negative disables the limit.
	MaxClientsPerIP int

	// RateLimit configures per-IP request limiting.
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging with hashed user
	// identifiers.
	EnableAuditLogging bool

	// SuccessRedirectPath is where the callback redirects after a
	// successful platform connection.
	SuccessRedirectPath string

	// ErrorRedirectPath is where the callback redirects on failure, with
	// ?error=<reason> appended.
	ErrorRedirectPath string

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// Instrumentation is the optional OpenTelemetry wiring. Nil means noop.
	Instrumentation *instrumentation.Instrumentation
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trailing proxies in
	// X-Forwarded-For to skip when TrustProxy is set.
	TrustedProxyCount int
}

// Validate checks the configuration and fails closed on anything the broker
// cannot operate safely with.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return fmt.Errorf("issuer must use https (got %q)", c.Issuer)
	}

	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	return nil
}

// applyDefaults fills unset fields with secure defaults.
func (c *Config) applyDefaults() {
	if c.Resource == "" {
		c.Resource = c.Issuer
	}
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = append([]string(nil), DefaultScopes...)
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.ConnectTTL <= 0 {
		c.ConnectTTL = flow.DefaultTTL
	}
	if c.MaxClientsPerIP == 0 {
		c.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if c.SuccessRedirectPath == "" {
		c.SuccessRedirectPath = "/connected"
	}
	if c.ErrorRedirectPath == "" {
		c.ErrorRedirectPath = "/connect/error"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// supportsScope reports whether every requested scope is configured.
func (c *Config) supportsScope(requested []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range c.SupportedScopes {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
