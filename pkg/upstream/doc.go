// Package upstream persists opaque sessions against the single-session
// GRC upstream.
//
// Invariants:
// - GetValid never returns an expired session.
// - An expired session is never refreshed here; callers must drive a
//   fresh login.
// - Expired rows are removed by a periodic sweep.
package upstream
