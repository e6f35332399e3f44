package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds the current set of provider definitions. Reload replaces
// the whole set atomically so hot-reloaded configuration never leaves a
// half-updated view.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry from an initial set of definitions.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	if err := r.Reload(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces all definitions. Duplicate or invalid entries reject the
// whole batch and leave the previous set in place.
func (r *Registry) Reload(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			return err
		}
		if _, exists := next[def.ID]; exists {
			return fmt.Errorf("duplicate provider id %q", def.ID)
		}
		next[def.ID] = def
	}

	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()

	log.Info().Int("providers", len(next)).Msg("Provider registry loaded")
	return nil
}

// Get returns the definition for a provider id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	return def, ok
}

// List returns all definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

func validateDefinition(def Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if strings.TrimSpace(def.Endpoint) == "" {
		return fmt.Errorf("provider %s: endpoint is required", def.ID)
	}
	if strings.HasSuffix(def.Endpoint, "/") {
		return fmt.Errorf("provider %s: endpoint must not end with '/'", def.ID)
	}
	switch def.Transport {
	case TransportSSE, TransportWebSocket:
	case "":
		return fmt.Errorf("provider %s: transport is required", def.ID)
	default:
		return fmt.Errorf("provider %s: unknown transport %q", def.ID, def.Transport)
	}
	return nil
}
