// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/workmesh/credbroker/instrumentation"
	"github.com/workmesh/credbroker/internal/util"
	"github.com/workmesh/credbroker/security"
	"github.com/workmesh/credbroker/storage"
)

// codeLogLength is the number of characters included when logging code IDs
const codeLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> client count (for DoS protection)

	// Authorization codes
	codes map[string]*storage.AuthorizationCode

	// Sessions, keyed by token ID
	sessions map[string]*storage.Session

	// Users
	users map[string]*storage.User

	// Connections by ID, plus an index of the single active connection
	// per user and platform
	connections map[string]*storage.Connection
	activeConns map[string]string // userID + "\x00" + platform -> connection ID

	// Credential encryption at rest (optional)
	encryptor *security.Encryptor

	// Instrumentation
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	// Atomic counters for gauge callbacks (lock-free reads)
	clientsCountAtomic     atomic.Int64
	sessionsCountAtomic    atomic.Int64
	connectionsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.UserStore       = (*Store)(nil)
	_ storage.ConnectionStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]int),
		codes:           make(map[string]*storage.AuthorizationCode),
		sessions:        make(map[string]*storage.Session),
		users:           make(map[string]*storage.User),
		connections:     make(map[string]*storage.Connection),
		activeConns:     make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the credential encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Credential encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.connectionsCountAtomic.Store(int64(len(s.connections)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.connectionsCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	clientCopy := *client
	s.clients[client.ClientID] = &clientCopy

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	clientCopy := *client
	return &clientCopy, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: always perform the same operations so timing does not reveal
	// whether a client exists.

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test")
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform the bcrypt comparison, even for unknown clients
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}
	if err != nil {
		return storage.ErrInvalidSecret
	}
	if bcryptErr != nil {
		return storage.ErrInvalidSecret
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clientCopy := *client
		clients = append(clients, &clientCopy)
	}

	return clients, nil
}

// CheckIPLimit checks if an IP has reached the client registration limit
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	count := s.clientsPerIP[ip]
	if count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d clients)", ip, count, maxClientsPerIP)
	}

	return nil
}

// TrackClientIP increments the client count for an IP address
func (s *Store) TrackClientIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveCode saves an issued authorization code
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codeCopy := *code
	s.codes[code.Code] = &codeCopy
	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, codeLogLength))
	return nil
}

// AtomicConsumeCode atomically checks that a code is unused and marks it
// used.
//
// SECURITY: this operation is atomic. Exactly one of any concurrent callers
// succeeds; the rest receive ErrCodeConsumed. The code record is returned on
// the consumed error too, so callers can revoke sessions minted from the
// first use.
func (s *Store) AtomicConsumeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if security.IsCredentialExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCodeExpired, util.SafeTruncate(code, codeLogLength))
	}

	if authCode.Used {
		codeCopy := *authCode
		return &codeCopy, storage.ErrCodeConsumed
	}

	authCode.Used = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteCode removes an authorization code
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession records an issued session
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if session == nil || session.TokenID == "" {
		err = fmt.Errorf("invalid session")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[session.TokenID]

	sessionCopy := *session
	s.sessions[session.TokenID] = &sessionCopy

	if !existed {
		s.sessionsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved session",
		"token_id", util.SafeTruncate(session.TokenID, codeLogLength),
		"user_id", session.UserID)
	return nil
}

// GetSession retrieves a session by token ID
func (s *Store) GetSession(ctx context.Context, tokenID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[tokenID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if sessionExpired(session) {
		return nil, fmt.Errorf("%w: session expired", storage.ErrSessionNotFound)
	}

	sessionCopy := *session
	return &sessionCopy, nil
}

// sessionExpired reports whether a session has no usable token left: the
// access token has expired and either no refresh token was issued or it has
// expired too.
func sessionExpired(session *storage.Session) bool {
	if !security.IsCredentialExpired(session.ExpiresAt) {
		return false
	}
	if session.RefreshTokenHash == "" {
		return true
	}
	return security.IsCredentialExpired(session.RefreshExpiresAt)
}

// DeleteSession removes a session, invalidating its token
func (s *Store) DeleteSession(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[tokenID]; !ok {
		return storage.ErrSessionNotFound
	}
	delete(s.sessions, tokenID)
	s.sessionsCountAtomic.Add(-1)
	s.logger.Debug("Deleted session", "token_id", util.SafeTruncate(tokenID, codeLogLength))
	return nil
}

// DeleteUserClientSessions removes all sessions for a user and client pair
func (s *Store) DeleteUserClientSessions(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tokenID, session := range s.sessions {
		if session.UserID == userID && session.ClientID == clientID {
			delete(s.sessions, tokenID)
			s.sessionsCountAtomic.Add(-1)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("Deleted sessions for user and client",
			"user_id", userID,
			"client_id", clientID,
			"sessions_deleted", removed)
	}
	return removed, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser inserts or updates a user record
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userCopy := *user
	s.users[user.ID] = &userCopy
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}

	userCopy := *user
	return &userCopy, nil
}

// ============================================================
// ConnectionStore Implementation
// ============================================================

func activeKey(userID, platform string) string {
	return userID + "\x00" + platform
}

// SaveConnection stores a new active connection, deactivating any existing
// active connection for the same user and platform.
func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	ctx, span := s.startStorageSpan(ctx, "save_connection")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_connection", err, startTime)
	}()

	if conn == nil || conn.UserID == "" || conn.Platform == "" {
		err = fmt.Errorf("invalid connection")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

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

	encrypted, encErr := storage.EncryptCredentials(conn.Credentials, s.encryptor)
	if encErr != nil {
		err = encErr
		return err
	}

	key := activeKey(conn.UserID, conn.Platform)
	if prevID, ok := s.activeConns[key]; ok {
		if prev, ok := s.connections[prevID]; ok {
			prev.Active = false
			prev.UpdatedAt = now
		}
	}

	connCopy := *conn
	connCopy.Credentials = encrypted
	s.connections[conn.ID] = &connCopy
	s.activeConns[key] = conn.ID
	s.connectionsCountAtomic.Store(int64(len(s.connections)))

	s.logger.Debug("Saved connection",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"platform", conn.Platform)
	return nil
}

// GetActiveConnection retrieves the active connection for a user and
// platform.
func (s *Store) GetActiveConnection(ctx context.Context, userID, platform string) (*storage.Connection, error) {
	ctx, span := s.startStorageSpan(ctx, "get_active_connection")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_active_connection", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	connID, ok := s.activeConns[activeKey(userID, platform)]
	if !ok {
		err = fmt.Errorf("%w: %s/%s", storage.ErrConnectionNotFound, userID, platform)
		return nil, err
	}
	conn, ok := s.connections[connID]
	if !ok || !conn.Active {
		err = fmt.Errorf("%w: %s/%s", storage.ErrConnectionNotFound, userID, platform)
		return nil, err
	}

	return s.decryptedCopy(conn)
}

// ListActiveConnections lists a user's active connections, ordered by
// platform name.
func (s *Store) ListActiveConnections(ctx context.Context, userID string) ([]*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := userID + "\x00"
	conns := make([]*storage.Connection, 0)
	for key, connID := range s.activeConns {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		conn, ok := s.connections[connID]
		if !ok || !conn.Active {
			continue
		}
		connCopy, err := s.decryptedCopy(conn)
		if err != nil {
			return nil, err
		}
		conns = append(conns, connCopy)
	}

	sort.Slice(conns, func(i, j int) bool { return conns[i].Platform < conns[j].Platform })
	return conns, nil
}

// UpdateCredentials replaces a connection's credential set if the stored
// version still equals expectedVersion.
//
// SECURITY: the version check and write happen under one lock so concurrent
// refreshers cannot both win. The loser gets ErrVersionConflict and must
// re-read the connection.
func (s *Store) UpdateCredentials(ctx context.Context, connectionID string, creds storage.CredentialSet, expectedVersion int64) (*storage.Connection, error) {
	ctx, span := s.startStorageSpan(ctx, "update_credentials")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "update_credentials", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[connectionID]
	if !ok || !conn.Active {
		err = fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, connectionID)
		return nil, err
	}

	if conn.Version != expectedVersion {
		err = fmt.Errorf("%w: have %d, expected %d", storage.ErrVersionConflict, conn.Version, expectedVersion)
		return nil, err
	}

	encrypted, encErr := storage.EncryptCredentials(creds, s.encryptor)
	if encErr != nil {
		err = encErr
		return nil, err
	}

	conn.Credentials = encrypted
	conn.Version++
	conn.UpdatedAt = time.Now()

	s.logger.Debug("Updated connection credentials",
		"connection_id", connectionID,
		"version", conn.Version)

	return s.decryptedCopy(conn)
}

// DeactivateConnection marks the active connection for a user and platform
// inactive. The row is kept for audit history.
func (s *Store) DeactivateConnection(ctx context.Context, userID, platform string) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_connection")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_connection", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey(userID, platform)
	connID, ok := s.activeConns[key]
	if !ok {
		err = fmt.Errorf("%w: %s/%s", storage.ErrConnectionNotFound, userID, platform)
		return err
	}

	if conn, ok := s.connections[connID]; ok {
		conn.Active = false
		conn.UpdatedAt = time.Now()
	}
	delete(s.activeConns, key)

	s.logger.Debug("Deactivated connection",
		"connection_id", connID,
		"user_id", userID,
		"platform", platform)
	return nil
}

// decryptedCopy returns a copy of conn with credentials decrypted.
// Callers must hold at least a read lock.
func (s *Store) decryptedCopy(conn *storage.Connection) (*storage.Connection, error) {
	connCopy := *conn
	creds, err := storage.DecryptCredentials(conn.Credentials, s.encryptor)
	if err != nil {
		return nil, err
	}
	connCopy.Credentials = creds
	connCopy.Scopes = append([]string(nil), conn.Scopes...)
	return &connCopy, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, authCode := range s.codes {
		if security.IsCredentialExpired(authCode.ExpiresAt) {
			delete(s.codes, code)
			cleaned++
		}
	}

	for tokenID, session := range s.sessions {
		if sessionExpired(session) {
			delete(s.sessions, tokenID)
			s.sessionsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
