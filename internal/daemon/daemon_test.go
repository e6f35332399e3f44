package daemon

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamengleby/grc-ai-platform/internal/config"
	"github.com/adamengleby/grc-ai-platform/internal/logger"
)

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()

	providersPath := filepath.Join(dir, "providers.json")
	require.NoError(t, os.WriteFile(providersPath, []byte(`{
		"providers": [{"id": "archer-primary", "endpoint": "http://127.0.0.1:9", "transport": "sse"}]
	}`), 0o644))

	agentsPath := filepath.Join(dir, "agents.json")
	require.NoError(t, os.WriteFile(agentsPath, []byte(`{
		"tenants": {"tenant-a": {"agents": {"default": [
			{"providerId": "archer-primary", "enabled": true, "authMode": "credential"}
		]}}}
	}`), 0o644))

	key := make([]byte, 32)
	cfg := config.DefaultConfig()
	cfg.Server.Port = freePort(t)
	cfg.Logging.Console = false
	cfg.Storage.SessionDB = filepath.Join(dir, "sessions.db")
	cfg.Storage.CredentialDB = filepath.Join(dir, "credentials.db")
	cfg.Storage.CredentialKey = base64.StdEncoding.EncodeToString(key)
	cfg.ProvidersFile = providersPath
	cfg.AgentsFile = agentsPath
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second Start must be rejected")

	// The HTTP surface comes up with the daemon.
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop(), "second Stop must be rejected")
}

func TestDaemonStartRetriesAfterSweeperFailure(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	// Occupy the sweeper so the first Start fails partway through.
	require.NoError(t, d.sweeper.Start())
	err = d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweeper")

	d.sweeper.Stop()
	require.NoError(t, d.Start(), "Start must be retryable after a failed attempt")
	require.NoError(t, d.Stop())
}

func TestDaemonRequiresSealingKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.CredentialKey = ""

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealing key")
}

func TestDaemonRejectsMissingProvidersFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProvidersFile = filepath.Join(t.TempDir(), "absent.json")

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
}

func TestDaemonProviderReload(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.NoError(t, os.WriteFile(cfg.ProvidersFile, []byte(`{
		"providers": [
			{"id": "archer-primary", "endpoint": "http://127.0.0.1:9", "transport": "sse"},
			{"id": "servicenow-grc", "endpoint": "http://127.0.0.1:10", "transport": "websocket"}
		]
	}`), 0o644))

	require.Eventually(t, func() bool {
		_, ok := d.registry.Get("servicenow-grc")
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}
