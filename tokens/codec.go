// Package tokens signs and verifies the broker's own bearer tokens. Tokens
// are compact RS256 JWTs carrying subject, issuer, audience and scope; they
// are stateless and self-contained, with revocability layered on top by the
// server's session records.
package tokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/workmesh/credbroker/keys"
)

var (
	// ErrInvalidToken covers malformed tokens, bad signatures and expiry.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAudienceMismatch is returned for a well-formed, correctly signed
	// token that was issued for a different audience.
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

// DefaultClockSkew is the grace period applied to time-based claim checks.
const DefaultClockSkew = 30 * time.Second

// Claims is the verified content of a broker token.
type Claims struct {
	Subject  string
	Scopes   []string
	ClientID string
	TokenID  string
	IssuedAt time.Time
	Expiry   time.Time
}

// HasScope reports whether the granted scopes cover the requested one.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// privateClaims are the non-registered claims embedded in issued tokens.
type privateClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Codec issues and verifies broker tokens using the Manager's active key.
type Codec struct {
	keys      *keys.Manager
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

// NewCodec creates a codec bound to an issuer identifier and the expected
// audience (the broker's protected resource URL).
func NewCodec(km *keys.Manager, issuer, audience string) (*Codec, error) {
	if km == nil {
		return nil, keys.ErrNoSigningKey
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if audience == "" {
		audience = issuer
	}
	return &Codec{
		keys:      km,
		issuer:    issuer,
		audience:  audience,
		clockSkew: DefaultClockSkew,
		now:       time.Now,
	}, nil
}

// SetNow overrides the clock, for tests.
func (c *Codec) SetNow(now func() time.Time) {
	c.now = now
}

// Issue produces a signed token for the subject with the granted scopes.
// The jti claim doubles as the session identifier for revocation checks.
func (c *Codec) Issue(subject string, scopes []string, clientID string, audience string, ttl time.Duration) (token string, tokenID string, err error) {
	priv, kid, err := c.keys.SigningKey()
	if err != nil {
		return "", "", err
	}
	if audience == "" {
		audience = c.audience
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	if err != nil {
		return "", "", fmt.Errorf("new signer: %w", err)
	}

	now := c.now().UTC()
	tokenID = uuid.NewString()
	std := jwt.Claims{
		ID:        tokenID,
		Subject:   subject,
		Issuer:    c.issuer,
		Audience:  jwt.Audience{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
	}
	custom := privateClaims{
		Scope:    strings.Join(scopes, " "),
		ClientID: clientID,
	}

	token, err = jwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", "", fmt.Errorf("serialize token: %w", err)
	}
	return token, tokenID, nil
}

// Verify checks the token signature against the active key by key id, then
// validates issuer, expiry and audience. Signature and expiry failures map to
// ErrInvalidToken; an audience mismatch is reported distinctly.
func (c *Codec) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	kid := ""
	if len(parsed.Headers) > 0 {
		kid = parsed.Headers[0].KeyID
	}
	pub, err := c.keys.Public(kid)
	if err != nil {
		if errors.Is(err, keys.ErrNoSigningKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var std jwt.Claims
	var custom privateClaims
	if err := parsed.Claims(pub, &std, &custom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// Audience is checked separately so the caller can tell a token minted
	// for another resource apart from a forged or expired one.
	if !std.Audience.Contains(c.audience) {
		return nil, ErrAudienceMismatch
	}

	expected := jwt.Expected{
		Issuer: c.issuer,
		Time:   c.now(),
	}
	if err := std.ValidateWithLeeway(expected, c.clockSkew); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject:  std.Subject,
		ClientID: custom.ClientID,
		TokenID:  std.ID,
	}
	if custom.Scope != "" {
		claims.Scopes = strings.Fields(custom.Scope)
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		claims.Expiry = std.Expiry.Time()
	}
	return claims, nil
}
