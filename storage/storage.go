package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all storage implementations. Callers match with
// errors.Is so implementations may wrap them with detail.
var (
	ErrClientNotFound     = errors.New("client not found")
	ErrInvalidSecret      = errors.New("invalid client secret")
	ErrCodeNotFound       = errors.New("authorization code not found")
	ErrCodeExpired        = errors.New("authorization code expired")
	ErrCodeConsumed       = errors.New("authorization code already used")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrVersionConflict is returned by UpdateCredentials when the stored
	// connection version no longer matches the caller's expectation. The
	// caller lost a concurrent refresh race and must re-read.
	ErrVersionConflict = errors.New("connection version conflict")
)

// ClientStore manages registered chat client applications.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a confidential client's secret against
	// its stored bcrypt hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// CodeStore manages short-lived authorization codes issued to chat clients.
type CodeStore interface {
	// SaveCode saves an issued authorization code
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicConsumeCode atomically checks that a code is unused, unexpired
	// and marks it used, returning its record. Exactly one of any concurrent
	// callers succeeds; the rest get ErrCodeConsumed.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteCode removes an authorization code
	DeleteCode(ctx context.Context, code string) error
}

// SessionStore tracks issued broker sessions by token ID so access tokens
// can be revoked before their natural expiry.
type SessionStore interface {
	// SaveSession records an issued session
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by token ID
	GetSession(ctx context.Context, tokenID string) (*Session, error)

	// DeleteSession removes a session, invalidating its token
	DeleteSession(ctx context.Context, tokenID string) error

	// DeleteUserClientSessions removes all sessions for a user and client
	// pair, returning the number removed
	DeleteUserClientSessions(ctx context.Context, userID, clientID string) (int, error)
}

// UserStore manages pseudonymous assistant users. Users carry no real
// identity; the record exists to anchor connections and sessions.
type UserStore interface {
	// SaveUser inserts or updates a user record
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)
}

// ConnectionStore manages platform connections and their upstream
// credentials.
type ConnectionStore interface {
	// SaveConnection stores a new active connection, deactivating any
	// existing active connection for the same user and platform. A user
	// holds at most one active connection per platform.
	SaveConnection(ctx context.Context, conn *Connection) error

	// GetActiveConnection retrieves the active connection for a user and
	// platform, or ErrConnectionNotFound
	GetActiveConnection(ctx context.Context, userID, platform string) (*Connection, error)

	// ListActiveConnections lists a user's active connections
	ListActiveConnections(ctx context.Context, userID string) ([]*Connection, error)

	// UpdateCredentials replaces a connection's credential set if the stored
	// version still equals expectedVersion, bumping the version. Returns
	// ErrVersionConflict when another writer got there first.
	UpdateCredentials(ctx context.Context, connectionID string, creds CredentialSet, expectedVersion int64) (*Connection, error)

	// DeactivateConnection marks the active connection for a user and
	// platform inactive, keeping the row for audit history
	DeactivateConnection(ctx context.Context, userID, platform string) error
}

// Client represents a registered chat client application
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Session represents an issued broker access token, keyed by the token's
// jti claim. RefreshTokenHash is the SHA-256 of the opaque refresh secret
// issued alongside the access token; rotation replaces the whole session.
type Session struct {
	TokenID          string
	UserID           string
	ClientID         string
	Scope            string
	RefreshTokenHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// User is a pseudonymous assistant identity
type User struct {
	ID         string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// CredentialSet holds one platform's tokens for a connection. Token fields
// are encrypted at rest when the store has an encryptor configured.
type CredentialSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Connection binds a user to a remote platform account. Version increments
// on every credential update and backs optimistic concurrency for refresh.
type Connection struct {
	ID           string
	UserID       string
	Platform     string
	AccountEmail string
	AccountName  string
	Scopes       []string
	Credentials  CredentialSet
	Active       bool
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
