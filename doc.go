// Package auth authenticates requests for the media-request app and owns
// the login, refresh and logout lifecycle of device sessions.
//
// A [Coordinator], assembled by [Builder], ties together four parts:
//
//   - jwt: short-lived HS256 access tokens bound to a device session.
//   - session: one rotating refresh-token session per device, with reuse
//     detection that revokes every session of the user.
//   - identity: the user lookup that decides whether a user may
//     authenticate at all.
//   - cache: an optional decision cache keyed by token fingerprint.
//
// Every failure is one of the typed errors in this package. Callers map
// them to a single public response, [PublicMessage]; the [Reason] is for
// logs and audit only.
//
// Security decisions fail closed. A session or user store that errors or
// times out denies the request. The decision cache is the exception: it
// fails open to a miss, and a miss always re-checks the stores.
package auth
