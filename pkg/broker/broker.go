package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/rs/zerolog/log"
)

// ErrAuthenticateFirst indicates session-mode auth was selected but the
// request carries no session token or user context.
var ErrAuthenticateFirst = errors.New("authenticate first: no session token available")

// ErrCredentialNotFound indicates no stored credential exists for the
// (tenant, connection) pair.
var ErrCredentialNotFound = errors.New("credential not found")

// UserContext identifies the end user behind a forwarded session.
type UserContext struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Request carries the auth-relevant fields of a tool call.
type Request struct {
	TenantID     string
	ConnectionID string
	SessionToken string
	UserContext  *UserContext
}

// hasSessionData reports whether the caller supplied a complete session.
func (r Request) hasSessionData() bool {
	return r.SessionToken != "" && r.UserContext != nil
}

// AuthPayload is the resolved authentication material for one call.
type AuthPayload struct {
	Mode         provider.AuthMode
	Credential   string
	SessionToken string
	UserContext  *UserContext
}

// Fields renders the payload as the auth object sent on the wire.
func (p AuthPayload) Fields() map[string]interface{} {
	fields := map[string]interface{}{"mode": string(p.Mode)}
	switch p.Mode {
	case provider.AuthModeCredential:
		fields["credential"] = p.Credential
	case provider.AuthModeSession:
		fields["sessionToken"] = p.SessionToken
		if p.UserContext != nil {
			fields["userContext"] = p.UserContext
		}
	}
	return fields
}

// CredentialStore supplies decrypt-on-read secrets keyed by
// (tenant id, connection id).
type CredentialStore interface {
	Credential(ctx context.Context, tenantID, connectionID string) (string, error)
}

// Broker selects and resolves the auth payload for tool calls.
type Broker struct {
	creds CredentialStore
}

// New creates a broker backed by the credential store.
func New(creds CredentialStore) *Broker {
	return &Broker{creds: creds}
}

// Resolve picks the auth mode and produces the payload. Caller-supplied
// session data forces session mode regardless of the provider's
// configured mode; otherwise the configured mode applies.
func (b *Broker) Resolve(ctx context.Context, req Request, cfg provider.TenantConfig) (AuthPayload, error) {
	mode := cfg.AuthMode
	if req.hasSessionData() {
		if mode == provider.AuthModeCredential {
			log.Debug().
				Str("tenant_id", req.TenantID).
				Str("provider", cfg.ProviderID).
				Msg("Caller session overrides configured credential mode")
		}
		mode = provider.AuthModeSession
	}

	switch mode {
	case provider.AuthModeSession:
		if !req.hasSessionData() {
			return AuthPayload{}, ErrAuthenticateFirst
		}
		return AuthPayload{
			Mode:         provider.AuthModeSession,
			SessionToken: req.SessionToken,
			UserContext:  req.UserContext,
		}, nil

	case provider.AuthModeCredential:
		secret, err := b.creds.Credential(ctx, req.TenantID, req.ConnectionID)
		if err != nil {
			if errors.Is(err, ErrCredentialNotFound) {
				return AuthPayload{}, fmt.Errorf("%w for connection %s", ErrCredentialNotFound, req.ConnectionID)
			}
			return AuthPayload{}, fmt.Errorf("failed to resolve credential: %w", err)
		}
		return AuthPayload{
			Mode:       provider.AuthModeCredential,
			Credential: secret,
		}, nil

	default:
		return AuthPayload{}, fmt.Errorf("provider %s: unknown auth mode %q", cfg.ProviderID, cfg.AuthMode)
	}
}
