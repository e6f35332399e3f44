package config

import (
	"time"
)

// Config represents the broker service configuration.
type Config struct {
	// Server holds the HTTP surface configuration.
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Broker holds routing and timeout defaults.
	Broker BrokerConfig `json:"broker" mapstructure:"broker"`

	// Storage holds database locations and the credential sealing key.
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// ProvidersFile is the provider definitions file, hot-reloaded on change.
	ProvidersFile string `json:"providers_file" mapstructure:"providers_file"`

	// AgentsFile maps (tenant, agent) to enabled provider configurations.
	AgentsFile string `json:"agents_file" mapstructure:"agents_file"`
}

// ServerConfig holds the orchestrator-facing HTTP listener configuration.
type ServerConfig struct {
	Port           int      `json:"port" mapstructure:"port"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// BrokerConfig holds routing defaults.
type BrokerConfig struct {
	HandshakeTimeout  time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	CallTimeout       time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	HealthTTL         time.Duration `json:"health_ttl" mapstructure:"health_ttl"`
	ProbeTimeout      time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	SweepInterval     time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	ValidateArguments bool          `json:"validate_arguments" mapstructure:"validate_arguments"`
}

// StorageConfig holds database locations and secrets.
type StorageConfig struct {
	SessionDB    string `json:"session_db" mapstructure:"session_db"`
	CredentialDB string `json:"credential_db" mapstructure:"credential_db"`
	// CredentialKey is the base64-encoded 32-byte sealing key.
	CredentialKey string `json:"credential_key" mapstructure:"credential_key"`
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8780,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Broker: BrokerConfig{
			HandshakeTimeout:  10 * time.Second,
			CallTimeout:       30 * time.Second,
			HealthTTL:         2 * time.Minute,
			ProbeTimeout:      10 * time.Second,
			SweepInterval:     time.Minute,
			ValidateArguments: true,
		},
		Storage: StorageConfig{
			SessionDB:    "./data/sessions.db",
			CredentialDB: "./data/credentials.db",
		},
		ProvidersFile: "./data/providers.json",
		AgentsFile:    "./data/agents.json",
	}
}
