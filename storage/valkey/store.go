package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/workmesh/credbroker/security"
	"github.com/workmesh/credbroker/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "cb:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "cb:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.ConnectionStore.
// Connections are the only broker state that must survive a restart and be
// shared across instances; the short-lived OAuth state (codes, sessions,
// clients) stays in the memory store.
//
// Each connection is split across three keys:
//   - conn:<id>       immutable metadata document
//   - conncreds:<id>  credential document carrying the version counter
//   - connactive:<userID>:<platform>  pointer to the active connection ID
//
// The split keeps the credential document free of JSON arrays so the Lua
// compare-and-swap script can round-trip it through cjson.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional credential encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var _ storage.ConnectionStore = (*Store)(nil)

// New creates a new Valkey-backed connection store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the credential encryptor for encryption at rest.
// When set, platform access and refresh tokens are encrypted before
// storing in Valkey and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Credential encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) connKey(id string) string {
	return fmt.Sprintf("%sconn:%s", s.prefix, id)
}

func (s *Store) connCredsKey(id string) string {
	return fmt.Sprintf("%sconncreds:%s", s.prefix, id)
}

func (s *Store) activeConnKey(userID, platform string) string {
	return fmt.Sprintf("%sconnactive:%s:%s", s.prefix, userID, platform)
}

// isNilError checks if the error represents a missing key
func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

// ============================================================
// Serialization
// ============================================================

// connectionJSON is the stored metadata document. It carries no credential
// material; tokens live in the companion credential document.
type connectionJSON struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	Platform     string   `json:"platform"`
	AccountEmail string   `json:"account_email,omitempty"`
	AccountName  string   `json:"account_name,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Active       bool     `json:"active"`
	CreatedAt    int64    `json:"created_at"`
}

// credentialsJSON is the stored credential document. The version counter
// lives here so the compare-and-swap script sees it next to the tokens it
// guards. Token fields hold ciphertext when encryption at rest is enabled.
type credentialsJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	Version      int64  `json:"version"`
	UpdatedAt    int64  `json:"updated_at"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func toConnectionJSON(conn *storage.Connection) *connectionJSON {
	return &connectionJSON{
		ID:           conn.ID,
		UserID:       conn.UserID,
		Platform:     conn.Platform,
		AccountEmail: conn.AccountEmail,
		AccountName:  conn.AccountName,
		Scopes:       conn.Scopes,
		Active:       conn.Active,
		CreatedAt:    unixOrZero(conn.CreatedAt),
	}
}

func toCredentialsJSON(creds storage.CredentialSet, version int64, updatedAt time.Time) *credentialsJSON {
	return &credentialsJSON{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		ExpiresAt:    unixOrZero(creds.ExpiresAt),
		Version:      version,
		UpdatedAt:    unixOrZero(updatedAt),
	}
}

// assemble combines the two stored documents into a Connection with
// credentials decrypted.
func (s *Store) assemble(doc *connectionJSON, cj *credentialsJSON) (*storage.Connection, error) {
	creds, err := storage.DecryptCredentials(storage.CredentialSet{
		AccessToken:  cj.AccessToken,
		RefreshToken: cj.RefreshToken,
		TokenType:    cj.TokenType,
		ExpiresAt:    timeFromUnix(cj.ExpiresAt),
	}, s.getEncryptor())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	return &storage.Connection{
		ID:           doc.ID,
		UserID:       doc.UserID,
		Platform:     doc.Platform,
		AccountEmail: doc.AccountEmail,
		AccountName:  doc.AccountName,
		Scopes:       doc.Scopes,
		Credentials:  creds,
		Active:       doc.Active,
		Version:      cj.Version,
		CreatedAt:    timeFromUnix(doc.CreatedAt),
		UpdatedAt:    timeFromUnix(cj.UpdatedAt),
	}, nil
}

// getConnDocs fetches and unmarshals both documents for a connection ID.
func (s *Store) getConnDocs(ctx context.Context, id string) (*connectionJSON, *credentialsJSON, error) {
	rawDoc, err := s.client.Do(ctx, s.client.B().Get().Key(s.connKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, nil, storage.ErrConnectionNotFound
		}
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}

	var doc connectionJSON
	if err := json.Unmarshal([]byte(rawDoc), &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal connection: %w", err)
	}

	rawCreds, err := s.client.Do(ctx, s.client.B().Get().Key(s.connCredsKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Credentials are deleted on disconnect; the metadata row may
			// outlive them.
			return &doc, &credentialsJSON{}, nil
		}
		return nil, nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	var cj credentialsJSON
	if err := json.Unmarshal([]byte(rawCreds), &cj); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	return &doc, &cj, nil
}

// ============================================================
// ConnectionStore
// ============================================================

// SaveConnection stores a new active connection, superseding any existing
// active connection for the same user and platform. The pointer swap uses
// SET ... GET so the old connection ID is captured atomically.
func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	if conn == nil || conn.UserID == "" || conn.Platform == "" {
		return fmt.Errorf("invalid connection")
	}

	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.Version == 0 {
		conn.Version = 1
	}
	conn.Active = true

	encrypted, err := storage.EncryptCredentials(conn.Credentials, s.getEncryptor())
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	docData, err := json.Marshal(toConnectionJSON(conn))
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}
	credsData, err := json.Marshal(toCredentialsJSON(encrypted, conn.Version, conn.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.connKey(conn.ID)).Value(string(docData)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.connCredsKey(conn.ID)).Value(string(credsData)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	// Swap the active pointer and capture the superseded connection ID
	prevID, err := s.client.Do(ctx,
		s.client.B().Set().Key(s.activeConnKey(conn.UserID, conn.Platform)).Value(conn.ID).Get().Build(),
	).ToString()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to update active connection pointer: %w", err)
	}

	if prevID != "" && prevID != conn.ID {
		// Best effort: the new connection is already active either way
		if err := s.markInactive(ctx, prevID); err != nil {
			s.logger.Warn("Failed to deactivate superseded connection",
				"connection_id", prevID,
				"error", err)
		}
	}

	s.logger.Debug("Saved connection",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"platform", conn.Platform)
	return nil
}

// markInactive flips a connection's metadata document to inactive and drops
// its credential document.
func (s *Store) markInactive(ctx context.Context, id string) error {
	rawDoc, err := s.client.Do(ctx, s.client.B().Get().Key(s.connKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to get connection: %w", err)
	}

	var doc connectionJSON
	if err := json.Unmarshal([]byte(rawDoc), &doc); err != nil {
		return fmt.Errorf("failed to unmarshal connection: %w", err)
	}
	doc.Active = false

	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.connKey(id)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}

	// Credentials of a superseded or disconnected account are dropped rather
	// than retained alongside the audit row.
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.connCredsKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// GetActiveConnection retrieves the active connection for a user and platform.
func (s *Store) GetActiveConnection(ctx context.Context, userID, platform string) (*storage.Connection, error) {
	id, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.activeConnKey(userID, platform)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrConnectionNotFound, userID, platform)
		}
		return nil, fmt.Errorf("failed to get active connection pointer: %w", err)
	}

	doc, cj, err := s.getConnDocs(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.assemble(doc, cj)
}

// ListActiveConnections lists a user's active connections by scanning the
// active pointer keys.
func (s *Store) ListActiveConnections(ctx context.Context, userID string) ([]*storage.Connection, error) {
	pattern := fmt.Sprintf("%sconnactive:%s:*", s.prefix, userID)

	var conns []*storage.Connection
	seen := make(map[string]bool)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan connections: %w", err)
		}

		for _, key := range result.Elements {
			id, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get active connection pointer: %w", err)
			}
			// SCAN can return a key more than once
			if seen[id] {
				continue
			}
			seen[id] = true

			doc, cj, err := s.getConnDocs(ctx, id)
			if err != nil {
				if errors.Is(err, storage.ErrConnectionNotFound) {
					continue
				}
				return nil, err
			}
			conn, err := s.assemble(doc, cj)
			if err != nil {
				return nil, err
			}
			conns = append(conns, conn)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return conns, nil
}

// luaScriptUpdateCredentials atomically replaces the credential document if
// its version still matches the caller's expectation. The script returns:
//   - "NOT_FOUND" if the credential document does not exist
//   - "CONFLICT:<version>" if another writer bumped the version first
//   - the new credential document JSON on success
//
// KEYS[1] = credential document key
// ARGV[1] = expected version
// ARGV[2] = new access token (ciphertext when encryption is enabled)
// ARGV[3] = new refresh token
// ARGV[4] = token type
// ARGV[5] = expiry (unix seconds)
// ARGV[6] = update time (unix seconds)
const luaScriptUpdateCredentials = `
local raw = redis.call("GET", KEYS[1])
if not raw then
    return "NOT_FOUND"
end

local creds = cjson.decode(raw)
if tostring(creds.version) ~= ARGV[1] then
    return "CONFLICT:" .. tostring(creds.version)
end

creds.version = creds.version + 1
creds.access_token = ARGV[2]
creds.refresh_token = ARGV[3]
creds.token_type = ARGV[4]
creds.expires_at = tonumber(ARGV[5])
creds.updated_at = tonumber(ARGV[6])

local out = cjson.encode(creds)
redis.call("SET", KEYS[1], out)
return out
`

// UpdateCredentials replaces a connection's credential set if the stored
// version still equals expectedVersion. The check and swap run in a single
// Lua script so concurrent refreshers cannot both win.
func (s *Store) UpdateCredentials(ctx context.Context, connectionID string, creds storage.CredentialSet, expectedVersion int64) (*storage.Connection, error) {
	encrypted, err := storage.EncryptCredentials(creds, s.getEncryptor())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	now := time.Now()
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaScriptUpdateCredentials).
			Numkeys(1).
			Key(s.connCredsKey(connectionID)).
			Arg(strconv.FormatInt(expectedVersion, 10)).
			Arg(encrypted.AccessToken).
			Arg(encrypted.RefreshToken).
			Arg(encrypted.TokenType).
			Arg(strconv.FormatInt(unixOrZero(creds.ExpiresAt), 10)).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to update credentials: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, connectionID)
	case strings.HasPrefix(result, "CONFLICT:"):
		return nil, fmt.Errorf("%w: have %s, expected %d",
			storage.ErrVersionConflict, strings.TrimPrefix(result, "CONFLICT:"), expectedVersion)
	}

	var cj credentialsJSON
	if err := json.Unmarshal([]byte(result), &cj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	rawDoc, err := s.client.Do(ctx, s.client.B().Get().Key(s.connKey(connectionID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, connectionID)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	var doc connectionJSON
	if err := json.Unmarshal([]byte(rawDoc), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection: %w", err)
	}

	s.logger.Debug("Updated connection credentials",
		"connection_id", connectionID,
		"version", cj.Version)

	return s.assemble(&doc, &cj)
}

// DeactivateConnection marks the active connection for a user and platform
// inactive and drops its credentials. The metadata row is kept for audit
// history.
func (s *Store) DeactivateConnection(ctx context.Context, userID, platform string) error {
	ptrKey := s.activeConnKey(userID, platform)

	id, err := s.client.Do(ctx, s.client.B().Get().Key(ptrKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s/%s", storage.ErrConnectionNotFound, userID, platform)
		}
		return fmt.Errorf("failed to get active connection pointer: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(ptrKey).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete active connection pointer: %w", err)
	}

	if err := s.markInactive(ctx, id); err != nil {
		return err
	}

	s.logger.Debug("Deactivated connection",
		"connection_id", id,
		"user_id", userID,
		"platform", platform)
	return nil
}
