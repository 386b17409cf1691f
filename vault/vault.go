// Package vault mediates all access to stored platform credentials. It is
// the only code path that reads or rotates a connection's token fields after
// the initial save, so expiry handling and the refresh race live in one
// place.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/instrumentation"
	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/security"
	"github.com/workmesh/credbroker/storage"
)

// DefaultRefreshAhead is how long before hard expiry a credential is
// refreshed. Refreshing ahead keeps a token returned by AccessToken valid
// for the duration of the upstream call it is about to make.
const DefaultRefreshAhead = 30 * time.Second

// ErrReauthorizationRequired is returned when stored credentials are expired
// and cannot be refreshed. The user must go through the connect flow again.
var ErrReauthorizationRequired = errors.New("reauthorization required")

// Vault wraps a ConnectionStore with credential lifecycle logic: one active
// connection per user and platform, transparent refresh of expired
// credentials, and compare-and-swap persistence of rotated token sets.
type Vault struct {
	store    storage.ConnectionStore
	registry *platforms.Registry
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics

	refreshAhead time.Duration

	// now is the clock, settable in tests
	now func() time.Time
}

// New creates a vault over the given store and platform registry.
func New(store storage.ConnectionStore, registry *platforms.Registry) *Vault {
	return &Vault{
		store:        store,
		registry:     registry,
		logger:       slog.Default(),
		refreshAhead: DefaultRefreshAhead,
		now:          time.Now,
	}
}

// SetLogger sets a custom logger.
func (v *Vault) SetLogger(logger *slog.Logger) {
	if logger != nil {
		v.logger = logger
	}
}

// SetAuditor enables audit logging of connection lifecycle events.
func (v *Vault) SetAuditor(auditor *security.Auditor) {
	v.auditor = auditor
}

// SetMetrics enables refresh metrics.
func (v *Vault) SetMetrics(metrics *instrumentation.Metrics) {
	v.metrics = metrics
}

// SetRefreshAhead overrides the refresh-ahead window.
func (v *Vault) SetRefreshAhead(d time.Duration) {
	if d >= 0 {
		v.refreshAhead = d
	}
}

// Save persists a freshly exchanged credential set as the user's active
// connection for the platform, superseding any previous one.
func (v *Vault) Save(ctx context.Context, userID, platform string, token *oauth2.Token, account *platforms.Account, scopes []string) (*storage.Connection, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("credential set has no access token")
	}

	conn := &storage.Connection{
		UserID:   userID,
		Platform: platform,
		Scopes:   scopes,
		Credentials: storage.CredentialSet{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenType:    token.TokenType,
			ExpiresAt:    token.Expiry,
		},
	}
	if account != nil {
		conn.AccountEmail = account.Email
		conn.AccountName = account.DisplayName
	}

	if err := v.store.SaveConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	if v.auditor != nil {
		v.auditor.LogConnectCompleted(userID, platform, scopes)
	}
	v.logger.Info("Platform connected",
		"user_id", userID,
		"platform", platform,
		"connection_id", conn.ID)
	return conn, nil
}

// ListActive lists the user's active connections.
func (v *Vault) ListActive(ctx context.Context, userID string) ([]*storage.Connection, error) {
	return v.store.ListActiveConnections(ctx, userID)
}

// Disconnect deactivates the user's connection for a platform. Disconnecting
// a platform that has no active connection returns
// storage.ErrConnectionNotFound.
func (v *Vault) Disconnect(ctx context.Context, userID, platform string) error {
	if err := v.store.DeactivateConnection(ctx, userID, platform); err != nil {
		return err
	}

	if v.auditor != nil {
		v.auditor.LogDisconnected(userID, platform)
	}
	v.logger.Info("Platform disconnected",
		"user_id", userID,
		"platform", platform)
	return nil
}

// AccessToken returns a currently valid access token for the user's
// connection to the platform, refreshing expired credentials transparently.
//
// An expired credential set with no refresh token returns
// ErrReauthorizationRequired without contacting the platform. A refresh
// rejected upstream as invalid_grant or access_denied also maps to
// ErrReauthorizationRequired; the stored grant is dead and retrying cannot
// revive it.
func (v *Vault) AccessToken(ctx context.Context, userID, platform string) (string, error) {
	conn, err := v.store.GetActiveConnection(ctx, userID, platform)
	if err != nil {
		return "", err
	}

	if !v.needsRefresh(conn.Credentials.ExpiresAt) {
		return conn.Credentials.AccessToken, nil
	}

	if conn.Credentials.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s credentials expired and no refresh token stored",
			ErrReauthorizationRequired, platform)
	}

	p, err := v.registry.Get(platform)
	if err != nil {
		return "", err
	}

	start := time.Now()
	token, err := p.Refresh(ctx, conn.Credentials.RefreshToken)
	if v.metrics != nil {
		v.metrics.RecordUpstreamCall(ctx, platform, "refresh",
			float64(time.Since(start).Milliseconds()), err)
	}
	if err != nil {
		var upstreamErr *platforms.UpstreamError
		if errors.As(err, &upstreamErr) &&
			(upstreamErr.Code == "invalid_grant" || upstreamErr.AccessDenied()) {
			return "", fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		return "", fmt.Errorf("failed to refresh %s credentials: %w", platform, err)
	}

	newCreds := storage.CredentialSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
	}
	rotated := token.RefreshToken != "" && token.RefreshToken != conn.Credentials.RefreshToken
	if newCreds.RefreshToken == "" {
		// Platforms that do not rotate may omit the refresh token entirely
		newCreds.RefreshToken = conn.Credentials.RefreshToken
	}

	updated, err := v.store.UpdateCredentials(ctx, conn.ID, newCreds, conn.Version)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// A concurrent refresher won the race. Its credential set is the
			// live one; ours would trigger upstream reuse detection.
			return v.loserReread(ctx, userID, platform)
		}
		return "", fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	if v.metrics != nil {
		v.metrics.RecordTokenRefresh(ctx, platform, rotated)
	}
	v.logger.Debug("Refreshed platform credentials",
		"user_id", userID,
		"platform", platform,
		"version", updated.Version,
		"rotated", rotated)

	return updated.Credentials.AccessToken, nil
}

// loserReread resolves a lost refresh race by reading back the winner's
// credentials.
func (v *Vault) loserReread(ctx context.Context, userID, platform string) (string, error) {
	conn, err := v.store.GetActiveConnection(ctx, userID, platform)
	if err != nil {
		return "", fmt.Errorf("failed to re-read connection after refresh race: %w", err)
	}
	if v.needsRefresh(conn.Credentials.ExpiresAt) {
		// The winner persisted an already-expired set; nothing usable left
		return "", fmt.Errorf("%w: %s credentials expired after concurrent refresh",
			ErrReauthorizationRequired, platform)
	}

	v.logger.Debug("Lost refresh race, using winner's credentials",
		"user_id", userID,
		"platform", platform,
		"version", conn.Version)
	return conn.Credentials.AccessToken, nil
}

func (v *Vault) needsRefresh(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return security.IsCredentialExpiredAt(expiresAt, v.now().Add(v.refreshAhead), 0)
}
