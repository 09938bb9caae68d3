// Package middleware adapts the coordinator to net/http.
//
// [Guard] reads the bearer token, calls Authenticate and stores the
// resulting identity in the request context. Every denial becomes the same
// 401 "not authenticated" response. [RequireAdmin] layers the admin role
// check on top.
package middleware
