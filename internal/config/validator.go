package config

import (
	"encoding/base64"
	"fmt"
)

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	if c.Broker.HandshakeTimeout < 0 ||
		c.Broker.CallTimeout < 0 ||
		c.Broker.HealthTTL < 0 ||
		c.Broker.ProbeTimeout < 0 ||
		c.Broker.SweepInterval < 0 {
		return fmt.Errorf("broker timeouts must not be negative")
	}

	if c.Storage.SessionDB == "" {
		return fmt.Errorf("storage.session_db is required")
	}
	if c.Storage.CredentialDB == "" {
		return fmt.Errorf("storage.credential_db is required")
	}
	if c.Storage.CredentialKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Storage.CredentialKey)
		if err != nil {
			return fmt.Errorf("storage.credential_key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("storage.credential_key must decode to 32 bytes, got %d", len(key))
		}
	}

	if c.ProvidersFile == "" {
		return fmt.Errorf("providers_file is required")
	}
	if c.AgentsFile == "" {
		return fmt.Errorf("agents_file is required")
	}

	return nil
}

// SealingKey decodes the credential sealing key.
func (c *Config) SealingKey() ([32]byte, error) {
	var key [32]byte
	if c.Storage.CredentialKey == "" {
		return key, fmt.Errorf("storage.credential_key is not set")
	}
	raw, err := base64.StdEncoding.DecodeString(c.Storage.CredentialKey)
	if err != nil {
		return key, fmt.Errorf("storage.credential_key is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("storage.credential_key must decode to 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
