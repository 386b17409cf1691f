package security

import "time"

// DefaultClockSkewGracePeriod absorbs NTP drift between the broker, calling
// clients and upstream platforms when judging credential expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsCredentialExpired checks expiry with the default grace period. A zero
// expiry means the credential never expires.
func IsCredentialExpired(expiresAt time.Time) bool {
	return IsCredentialExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsCredentialExpiredAt checks expiry against an explicit clock, for callers
// with an injected time source.
func IsCredentialExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsCredentialExpiringSoon reports whether a credential expires within the
// threshold, used to refresh ahead of hard expiry.
func IsCredentialExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
