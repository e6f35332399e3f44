// Package tenantlock serializes operations against single-session
// upstreams, keyed by tenant (or tenant+resource).
//
// Invariants:
// - Operations sharing a key never overlap in execution.
// - Operations on distinct keys proceed fully in parallel.
// - The lock is released whether the operation succeeds or fails.
package tenantlock
