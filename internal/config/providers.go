package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
)

type providersFile struct {
	Providers []provider.Definition `json:"providers"`
}

// LoadProviderDefinitions reads the provider definitions file.
func LoadProviderDefinitions(path string) ([]provider.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider definitions: %w", err)
	}

	var parsed providersFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse provider definitions: %w", err)
	}

	return parsed.Providers, nil
}
