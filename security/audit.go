package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types. Constants keep event names consistent across call sites.
const (
	EventConnectStarted   = "connect_started"
	EventConnectCompleted = "connect_completed"
	EventConnectFailed    = "connect_failed"
	EventDisconnected     = "platform_disconnected"
	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
	EventAuthFailure      = "auth_failure"
	EventClientRegistered = "client_registered"
	EventRateLimited      = "rate_limit_exceeded"
)

// Auditor records security-relevant broker events with PII protection: user
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	observer func(eventType string)
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetObserver registers a callback invoked with the type of every recorded
// event. The broker uses it to count audit events without coupling this
// package to the metrics layer.
func (a *Auditor) SetObserver(fn func(eventType string)) {
	if a != nil {
		a.observer = fn
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Platform  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	event.Timestamp = time.Now()
	if a.observer != nil {
		a.observer(event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"platform", event.Platform,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogConnectStarted logs the start of a platform connect flow.
func (a *Auditor) LogConnectStarted(userID, platform, ipAddress string) {
	a.LogEvent(Event{Type: EventConnectStarted, UserID: userID, Platform: platform, IPAddress: ipAddress})
}

// LogConnectCompleted logs a successful platform connection.
func (a *Auditor) LogConnectCompleted(userID, platform string, scopes []string) {
	a.LogEvent(Event{
		Type:     EventConnectCompleted,
		UserID:   userID,
		Platform: platform,
		Details:  map[string]any{"scopes": scopes},
	})
}

// LogConnectFailed logs a failed connect flow with its categorized reason.
func (a *Auditor) LogConnectFailed(platform, reason, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventConnectFailed,
		Platform:  platform,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogDisconnected logs a platform disconnect (soft delete).
func (a *Auditor) LogDisconnected(userID, platform string) {
	a.LogEvent(Event{Type: EventDisconnected, UserID: userID, Platform: platform})
}

// LogTokenIssued logs when a broker token is issued to a calling client.
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a broker token refresh.
func (a *Auditor) LogTokenRefreshed(userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"rotated": rotated},
	})
}

// LogTokenRevoked logs a broker token revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"token_type": tokenType},
	})
}

// LogAuthFailure logs an authentication or flow-validation failure.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogClientRegistered logs registration of a new calling client.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{Type: EventRateLimited, UserID: userID, IPAddress: ipAddress})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
