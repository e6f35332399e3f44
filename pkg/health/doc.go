// Package health tracks tool-provider liveness with a TTL-on-read cache.
//
// Invariants:
// - A cached verdict is authoritative until its TTL elapses.
// - Probe failures are returned as data, never as errors.
// - A failure for one provider never affects another provider's record.
package health
