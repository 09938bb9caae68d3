// Package refresh generates and parses opaque rotating refresh tokens.
//
// # Token format
//
// A refresh token is 32 bytes from crypto/rand rendered as 64 lowercase hex
// characters. Only the SHA-256 of the raw bytes is ever stored; the token
// itself is handed to the client once and never logged.
//
// # Architecture boundaries
//
// This package does no I/O. Rotation, reuse detection and revocation live
// in the session package.
package refresh
