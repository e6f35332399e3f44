// Package router routes tool calls from agents to the provider exposing
// the requested tool.
//
// Invariants:
// - Request validation happens synchronously, before any network use.
// - Provider selection scans the agent's enabled providers in configured
//   order; the first provider exposing the tool wins.
// - Beyond validation, every failure becomes a ToolExecutionResult with
//   Success false; the orchestrator never sees an unhandled error.
// - Discovery failures are isolated per provider and never abort the
//   whole listing.
package router
