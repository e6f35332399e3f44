// Package mcp maintains persistent streaming connections to tool
// providers and correlates request/response traffic over them.
//
// Invariants:
// - At most one live connection exists per provider id.
// - Request ids are unique for the lifetime of the process.
// - Every pending request resolves exactly once: response, timeout, or
//   connection loss.
// - Any transport error drops the connection to Disconnected; the next
//   call re-handshakes from scratch.
package mcp
