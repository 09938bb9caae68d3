// Package jwt issues and verifies the short-lived HS256 access tokens used
// on every authenticated request.
//
// Verification distinguishes two outcomes only: [ErrTokenExpired] for a
// correctly signed token past its expiry, and [ErrTokenInvalid] for
// everything else. Callers must not branch on the wrapped library error.
package jwt
