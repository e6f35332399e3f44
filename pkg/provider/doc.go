// Package provider holds the tool-provider catalog and per-tenant
// provider configuration.
//
// Invariants:
// - Provider ids are unique within the registry.
// - Definitions are immutable once registered; Reload swaps the whole set.
// - Tenant configuration is supplied by an external AgentConfigSource and
//   is never mutated here.
package provider
