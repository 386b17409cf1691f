// Package storage provides interfaces and shared types for broker state
// persistence.
//
// The storage package defines the core storage interfaces used throughout the
// credbroker library:
//   - ClientStore: registered chat clients and their secret hashes
//   - CodeStore: short-lived authorization codes with one-shot consumption
//   - SessionStore: issued broker sessions, keyed by token ID
//   - UserStore: pseudonymous assistant users
//   - ConnectionStore: platform connections and their upstream credentials
//
// This package also provides credential encryption helpers shared by the
// storage implementations.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible connection storage for
//     multi-instance deployments
package storage
