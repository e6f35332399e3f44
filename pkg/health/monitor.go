package health

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/rs/zerolog/log"
)

// Status is a provider's liveness verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Default cache and probe bounds.
const (
	DefaultTTL          = 2 * time.Minute
	DefaultProbeTimeout = 10 * time.Second
)

// ProviderHealth is one cached verdict.
type ProviderHealth struct {
	ProviderID   string
	Status       Status
	LastCheck    time.Time
	ResponseTime time.Duration
	Error        string
}

// Expired reports whether the verdict is older than the TTL.
func (h ProviderHealth) Expired(ttl time.Duration) bool {
	return time.Since(h.LastCheck) > ttl
}

// Monitor probes provider health endpoints and caches verdicts. Concurrent
// readers within the TTL window share the cached record; expired records
// trigger a fresh probe. Two callers racing an expired record may both
// probe, which is accepted redundancy rather than an invariant.
type Monitor struct {
	ttl          time.Duration
	probeTimeout time.Duration
	client       *http.Client

	mu    sync.RWMutex
	cache map[string]ProviderHealth
}

// MonitorConfig holds health monitor configuration.
type MonitorConfig struct {
	TTL          time.Duration
	ProbeTimeout time.Duration
	Client       *http.Client
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Monitor{
		ttl:          cfg.TTL,
		probeTimeout: cfg.ProbeTimeout,
		client:       cfg.Client,
		cache:        make(map[string]ProviderHealth),
	}
}

// Check returns the provider's health, probing only when the cached
// verdict is absent or expired. It never returns an error; probe failures
// surface as StatusUnhealthy in the record.
func (m *Monitor) Check(ctx context.Context, def provider.Definition) ProviderHealth {
	m.mu.RLock()
	cached, ok := m.cache[def.ID]
	m.mu.RUnlock()

	if ok && !cached.Expired(m.ttl) {
		metrics.RecordHealthCacheHit()
		return cached
	}

	record := m.probe(ctx, def)

	m.mu.Lock()
	m.cache[def.ID] = record
	m.mu.Unlock()

	return record
}

// Peek returns the cached verdict without probing.
func (m *Monitor) Peek(providerID string) (ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cached, ok := m.cache[providerID]
	return cached, ok
}

// Invalidate discards a cached verdict so the next Check probes again.
func (m *Monitor) Invalidate(providerID string) {
	m.mu.Lock()
	delete(m.cache, providerID)
	m.mu.Unlock()
}

// probe performs one bounded liveness request. Any success-class response
// means healthy.
func (m *Monitor) probe(ctx context.Context, def provider.Definition) ProviderHealth {
	record := ProviderHealth{
		ProviderID: def.ID,
		Status:     StatusUnhealthy,
		LastCheck:  time.Now(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, def.HealthURL(), nil)
	if err != nil {
		record.Error = err.Error()
		return m.finish(def.ID, record, start)
	}

	resp, err := m.client.Do(req)
	record.ResponseTime = time.Since(start)
	if err != nil {
		record.Error = err.Error()
		return m.finish(def.ID, record, start)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		record.Status = StatusHealthy
	} else {
		record.Error = resp.Status
	}

	return m.finish(def.ID, record, start)
}

func (m *Monitor) finish(providerID string, record ProviderHealth, start time.Time) ProviderHealth {
	metrics.RecordHealthProbe(providerID, string(record.Status), time.Since(start))
	if record.Status != StatusHealthy {
		log.Debug().
			Str("provider", providerID).
			Str("error", record.Error).
			Msg("Provider health probe failed")
	}
	return record
}
