// Package audit records security-relevant authentication outcomes.
//
// # Components
//
//   - [Sink]: event consumer (channel, JSON lines, zerolog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: one outcome with id, type, severity, user, device and reason code.
//
// # Architecture boundaries
//
// This package owns buffering and delivery. It does not decide which events
// to record; the coordinator in the root package does. Events never carry
// access or refresh token values.
package audit
