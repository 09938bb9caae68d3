// Package session owns device sessions: one rotating refresh token per
// device, reuse detection, and revocation.
//
// # Stores
//
// [Store] is implemented by [RedisStore] (binary blob per device, Lua
// compare-and-swap), [PostgresStore] (row lock inside a transaction) and
// [MemoryStore]. Each guarantees that of several concurrent swaps
// presenting the same refresh hash exactly one wins and the others are
// told the hash is stale. A stale hash revokes the session atomically with
// the check.
//
// # Architecture boundaries
//
// [Manager] mints access tokens through the jwt package but does not know
// how users are stored; current claims come from a [SubjectResolver].
// Nothing here caches authentication decisions or logs; both belong to the
// coordinator in the root package.
//
// Refresh tokens never appear in a [Session]. Only their SHA-256 does.
package session
