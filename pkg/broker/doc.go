// Package broker resolves the authentication payload attached to a tool
// call: a decrypted stored credential or a forwarded session token.
//
// Invariants:
// - Caller-supplied session data always wins over the configured mode.
// - Decrypted credentials never leave the broker in persisted form.
package broker
