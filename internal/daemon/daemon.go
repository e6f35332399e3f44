// Package daemon wires the broker's modules together and manages their
// lifecycle. Construction happens in dependency order; shutdown walks the
// same order in reverse.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/config"
	"github.com/adamengleby/grc-ai-platform/internal/httpapi"
	"github.com/adamengleby/grc-ai-platform/internal/logger"
	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/adamengleby/grc-ai-platform/internal/tracing"
	"github.com/adamengleby/grc-ai-platform/pkg/broker"
	"github.com/adamengleby/grc-ai-platform/pkg/health"
	"github.com/adamengleby/grc-ai-platform/pkg/mcp"
	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/adamengleby/grc-ai-platform/pkg/router"
	"github.com/adamengleby/grc-ai-platform/pkg/tenantlock"
	"github.com/adamengleby/grc-ai-platform/pkg/upstream"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the running broker service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	registry    *provider.Registry
	agents      *config.FileAgentSource
	health      *health.Monitor
	connections *mcp.Manager
	locks       *tenantlock.KeyedMutex
	sessions    *upstream.Store
	sweeper     *upstream.Sweeper
	credentials *broker.SQLiteCredentialStore
	broker      *broker.Broker
	router      *router.Router
	httpServer  *httpapi.Server

	providerWatcher *config.Watcher
	agentWatcher    *config.Watcher

	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	tracingEnabled bool
}

// New builds the daemon from configuration. Nothing is listening yet;
// call Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	metrics.EnsureRegistered()

	d := &Daemon{config: cfg, logger: log}

	if err := tracing.InitOpenTelemetry("grc-broker"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		d.closeStores()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	defs, err := config.LoadProviderDefinitions(d.config.ProvidersFile)
	if err != nil {
		return err
	}
	d.registry, err = provider.NewRegistry(defs)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}

	d.agents, err = config.NewFileAgentSource(d.config.AgentsFile)
	if err != nil {
		return err
	}

	d.health = health.NewMonitor(health.MonitorConfig{
		TTL:          d.config.Broker.HealthTTL,
		ProbeTimeout: d.config.Broker.ProbeTimeout,
	})

	d.connections = mcp.NewManager(mcp.ManagerConfig{
		HandshakeTimeout: d.config.Broker.HandshakeTimeout,
		Transport:        mcp.NewTransport,
		Logger:           zl,
	})

	d.locks = tenantlock.NewKeyedMutex()

	d.sessions, err = upstream.NewStore(d.config.Storage.SessionDB)
	if err != nil {
		return err
	}
	d.sweeper = upstream.NewSweeper(d.sessions, d.config.Broker.SweepInterval)

	key, err := d.config.SealingKey()
	if err != nil {
		return fmt.Errorf("credential store needs a sealing key: %w", err)
	}
	d.credentials, err = broker.NewSQLiteCredentialStore(d.config.Storage.CredentialDB, key)
	if err != nil {
		return err
	}
	d.broker = broker.New(d.credentials)

	d.router, err = router.New(router.Config{
		Registry:          d.registry,
		Agents:            d.agents,
		Health:            d.health,
		Broker:            d.broker,
		Connections:       d.connections,
		Locks:             d.locks,
		Sessions:          d.sessions,
		DefaultTimeout:    d.config.Broker.CallTimeout,
		ValidateArguments: d.config.Broker.ValidateArguments,
		Logger:            zl,
	})
	if err != nil {
		return err
	}

	d.httpServer = httpapi.New(
		d.config.Server.Port,
		d.config.Server.AllowedOrigins,
		d.router,
		d.sessions,
		zl,
	)
	return nil
}

// Start brings up the sweeper, the definition watchers and the HTTP
// listener.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mu.Unlock()

	zl := d.logger.GetZerolog()

	if err := d.sweeper.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}

	var err error
	d.providerWatcher, err = config.NewWatcher(d.config.ProvidersFile, d.reloadProviders)
	if err != nil {
		zl.Warn().Err(err).Msg("Provider definitions will not hot-reload")
	}
	d.agentWatcher, err = config.NewWatcher(d.config.AgentsFile, d.reloadAgents)
	if err != nil {
		zl.Warn().Err(err).Msg("Agent configurations will not hot-reload")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Start(); err != nil {
			zl.Error().Err(err).Msg("HTTP server exited")
		}
	}()

	zl.Info().
		Int("port", d.config.Server.Port).
		Str("providers_file", d.config.ProvidersFile).
		Msg("GRC broker started")
	return nil
}

func (d *Daemon) reloadProviders() {
	zl := d.logger.GetZerolog()
	defs, err := config.LoadProviderDefinitions(d.config.ProvidersFile)
	if err != nil {
		zl.Error().Err(err).Msg("Failed to reload provider definitions, keeping current set")
		return
	}
	if err := d.registry.Reload(defs); err != nil {
		zl.Error().Err(err).Msg("Rejected reloaded provider definitions, keeping current set")
		return
	}
	zl.Info().Int("providers", len(defs)).Msg("Provider definitions reloaded")
}

func (d *Daemon) reloadAgents() {
	zl := d.logger.GetZerolog()
	if err := d.agents.Reload(); err != nil {
		zl.Error().Err(err).Msg("Failed to reload agent configurations, keeping current set")
		return
	}
	zl.Info().Msg("Agent configurations reloaded")
}

// Stop shuts everything down in reverse dependency order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.GetZerolog()
	zl.Info().Msg("Stopping GRC broker")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		zl.Error().Err(err).Msg("Failed to drain HTTP server")
	}
	d.wg.Wait()

	if d.providerWatcher != nil {
		_ = d.providerWatcher.Close()
	}
	if d.agentWatcher != nil {
		_ = d.agentWatcher.Close()
	}

	d.connections.Shutdown()
	d.sweeper.Stop()
	d.closeStores()

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			zl.Error().Err(err).Msg("Failed to shut down tracing")
		}
		d.tracingEnabled = false
	}

	zl.Info().Msg("GRC broker stopped")
	return nil
}

func (d *Daemon) closeStores() {
	if d.sessions != nil {
		_ = d.sessions.Close()
	}
	if d.credentials != nil {
		_ = d.credentials.Close()
	}
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}
