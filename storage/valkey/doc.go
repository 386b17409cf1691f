// Package valkey provides a Valkey-backed implementation of
// storage.ConnectionStore for multi-instance broker deployments.
//
// Platform connections and their credentials are the only broker state that
// must outlive a single process: authorization codes, sessions and client
// registrations are short-lived and stay in the memory store. Credential
// updates use a Lua compare-and-swap script so concurrent refreshers cannot
// both persist their result.
//
// Credential encryption at rest is supported via SetEncryptor.
package valkey
