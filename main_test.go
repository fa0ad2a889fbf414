package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kv-proxy/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	app, flags := newApp()
	// Keep a developer's .env out of the test.
	return parseConfig(app, flags, append([]string{"--env.file", filepath.Join(t.TempDir(), "none.env")}, args...))
}

func TestParseConfig_LegacyArgs(t *testing.T) {
	cfg, err := parse(t, "-port", "8000", "-server", "localhost", "7001", "-server", "127.0.0.1", "7002")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Proxy.Port)
	assert.Equal(t, []string{"localhost:7001", "127.0.0.1:7002"}, cfg.Proxy.Servers)
	assert.Equal(t, "", cfg.Metrics.ListenAddress, "metrics endpoint is opt-in")
}

func TestParseConfig_MetricsConflictsWithPort(t *testing.T) {
	_, err := parse(t, "-port", "9090", "-server", "localhost", "7001", "--web.listen-address", ":9090")
	assert.ErrorIs(t, err, config.ErrPortConflict)

	cfg, err := parse(t, "-port", "9090", "-server", "localhost", "7001", "--web.listen-address", ":9100")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddress)
}

func TestParseConfig_CommaSeparatedServer(t *testing.T) {
	cfg, err := parse(t, "--port", "8000", "--server", "a:7001,b:7002", "--server", "c:7003")
	require.NoError(t, err)

	backends, err := cfg.BackendConfigs()
	require.NoError(t, err)
	require.Len(t, backends, 3)
	assert.Equal(t, "a", backends[0].Address)
	assert.Equal(t, "b", backends[1].Address)
	assert.Equal(t, "c", backends[2].Address)
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := parse(t, "-port", "8000")
	assert.ErrorIs(t, err, config.ErrNoServers)

	_, err = parse(t, "-port", "0", "-server", "localhost", "7001")
	assert.ErrorIs(t, err, config.ErrInvalidPort)

	_, err = parse(t, "-port", "8000", "-server", "localhost", "70000")
	assert.ErrorIs(t, err, config.ErrInvalidPort)

	_, err = parse(t, "-port", "8000", "-server", "localhost")
	assert.ErrorIs(t, err, config.ErrMissingArgument)

	_, err = parse(t, "-port", "eighty", "-server", "localhost", "7001")
	assert.Error(t, err)

	_, err = parse(t, "--no-such-flag")
	assert.Error(t, err)
}

func TestParseConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
proxy:
  port: 8000
  servers: [file:7001]
log:
  level: warn
metrics:
  telemetry_path: /file
`), 0o600))

	t.Setenv("KVPROXY_PROXY_PORT", "8100")
	t.Setenv("KVPROXY_LOG_LEVEL", "error")

	cfg, err := parse(t, "--config.file", path, "--log.level", "DEBUG", "--web.listen-address=")
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.Proxy.Port, "env beats file")
	assert.Equal(t, []string{"file:7001"}, cfg.Proxy.Servers)
	assert.Equal(t, "debug", cfg.Log.Level, "flag beats env")
	assert.Equal(t, "/file", cfg.Metrics.TelemetryPath)
	assert.Equal(t, "", cfg.Metrics.ListenAddress, "empty flag disables metrics")

	cfg, err = parse(t, "--config.file", path, "--port", "9000", "--server", "flag:1")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Proxy.Port)
	assert.Equal(t, []string{"flag:1"}, cfg.Proxy.Servers)
}

func TestParseConfig_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("KVPROXY_PROXY_SERVERS=dotenv:7001\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KVPROXY_PROXY_SERVERS") })

	app, flags := newApp()
	cfg, err := parseConfig(app, flags, []string{"--env.file", envFile, "--port", "8000"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dotenv:7001"}, cfg.Proxy.Servers)
}
