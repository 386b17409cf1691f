// Package flow manages the ephemeral PKCE/state transaction that spans a
// single connect redirect round trip. The transaction is not stored server
// side: it travels as an AES-GCM sealed capsule in an HTTP-only cookie the
// browser carries to the platform and back. The broker can open and validate
// the capsule; the client merely transports it.
package flow

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/security"
)

var (
	// ErrTransactionMissing indicates the capsule is absent, expired,
	// malformed, or already consumed.
	ErrTransactionMissing = errors.New("authorization transaction missing or expired")

	// ErrStateMismatch indicates the state returned by the platform does not
	// match the state sealed into the capsule. CSRF on the callback endpoint
	// presents exactly this way.
	ErrStateMismatch = errors.New("state parameter mismatch")
)

const (
	// CookieName carries the sealed transaction across the redirect.
	CookieName = "__Host-cb-txn"

	// DefaultTTL bounds how long a connect attempt may take.
	DefaultTTL = 10 * time.Minute

	sweepInterval = time.Minute
)

// Transaction binds one connect attempt: the platform, the PKCE verifier,
// the random state and the target user identity.
type Transaction struct {
	Platform  string    `json:"p"`
	Verifier  string    `json:"v"`
	State     string    `json:"s"`
	UserID    string    `json:"u"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Challenge derives the S256 code challenge for the sealed verifier:
// base64url(SHA-256(verifier)) without padding. Re-derivation from the same
// verifier is deterministic.
func (t *Transaction) Challenge() string {
	return oauth2.S256ChallengeFromVerifier(t.Verifier)
}

// Store seals and opens transaction capsules. Consumption is one-shot: a
// small in-process set of consumed state values guarantees that of two
// concurrent callbacks for the same transaction exactly one wins and the
// other observes ErrTransactionMissing.
//
// The consumed set is process-local. In a multi-instance deployment a
// callback replayed against another instance within the transaction TTL is
// not caught here; the platform's single-use authorization code rejects the
// replayed exchange instead. Route callbacks to one instance if that window
// matters.
type Store struct {
	enc    *security.Encryptor
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	consumed map[string]time.Time // state -> forget-after

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a transaction store. The encryptor must have a key
// configured: an unsealed capsule would let the browser read and forge
// verifiers.
func NewStore(enc *security.Encryptor, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if enc == nil || !enc.IsEnabled() {
		return nil, fmt.Errorf("flow store requires an encryption key")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		enc:      enc,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		consumed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// Begin creates a transaction for the given platform and user: a fresh PKCE
// verifier (43+ chars of URL-safe entropy), an independent random state, and
// the sealed capsule to hand to the client.
func (s *Store) Begin(platform, userID string) (*Transaction, string, error) {
	if platform == "" || userID == "" {
		return nil, "", fmt.Errorf("platform and user id are required")
	}

	now := s.now().UTC()
	tx := &Transaction{
		Platform:  platform,
		Verifier:  oauth2.GenerateVerifier(),
		State:     oauth2.GenerateVerifier(),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	plaintext, err := json.Marshal(tx)
	if err != nil {
		return nil, "", fmt.Errorf("marshal transaction: %w", err)
	}
	capsule, err := s.enc.Seal(plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("seal transaction: %w", err)
	}
	return tx, capsule, nil
}

// Complete opens the capsule, validates the supplied state and consumes the
// transaction. Consumption happens before the state comparison, so a
// mismatch burns the transaction too (consumed-on-mismatch policy): the user
// restarts the connect flow rather than getting a second guess.
func (s *Store) Complete(capsule, suppliedState string) (*Transaction, error) {
	if capsule == "" {
		return nil, ErrTransactionMissing
	}

	plaintext, err := s.enc.Open(capsule)
	if err != nil {
		// Tampered or garbage capsule. Indistinguishable from absent.
		return nil, ErrTransactionMissing
	}

	var tx Transaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		return nil, ErrTransactionMissing
	}
	if tx.Verifier == "" || tx.State == "" || tx.UserID == "" {
		return nil, ErrTransactionMissing
	}

	now := s.now()
	if now.After(tx.ExpiresAt) {
		return nil, ErrTransactionMissing
	}

	if !s.consume(tx.State, tx.ExpiresAt) {
		return nil, ErrTransactionMissing
	}

	if subtle.ConstantTimeCompare([]byte(tx.State), []byte(suppliedState)) != 1 {
		return nil, ErrStateMismatch
	}
	return &tx, nil
}

// consume marks a state value as used. Returns false if it was already
// consumed. Entries are remembered until the transaction would have expired
// anyway, after which the capsule itself is inert.
func (s *Store) consume(state string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.consumed[state]; seen {
		return false
	}
	s.consumed[state] = expiresAt
	return true
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, forgetAfter := range s.consumed {
		if now.After(forgetAfter) {
			delete(s.consumed, state)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept consumed transactions", "removed", removed, "remaining", len(s.consumed))
	}
}

// Stop terminates the sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SetCookie attaches the sealed capsule to the response. HTTP-only, Secure
// and SameSite=Lax: the cookie must survive the top-level redirect from the
// platform but stay invisible to scripts.
func (s *Store) SetCookie(w http.ResponseWriter, capsule string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    capsule,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie invalidates the capsule cookie after consumption.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// CapsuleFromRequest extracts the sealed capsule from the request cookie.
func CapsuleFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
