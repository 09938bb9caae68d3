// Package cache holds successful authentication decisions so repeated
// requests with the same access token skip signature verification and the
// user and session lookups.
//
// Entries are keyed by the SHA-256 of the token and live for at most the
// configured ceiling and never past token expiry. Failures are never
// cached. Per-user invalidation bumps an epoch kept in the same [Store];
// decisions carry the epoch read before they were computed.
//
// The cache fails open. A backend error or timeout is logged and reported
// as a miss, sending the caller down the full verification path.
package cache
