// Package security provides the broker's security primitives: AES-256-GCM
// sealing for the connect-flow cookie capsule and credential-at-rest
// encryption, per-identifier rate limiting with LRU eviction, audit logging
// with hashed user identifiers, client IP extraction behind proxies, and
// request ID correlation.
package security
