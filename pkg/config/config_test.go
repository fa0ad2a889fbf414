package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, 2*time.Second, cfg.GetReadTimeout())
	assert.Equal(t, time.Second, cfg.GetQuitGrace())
	assert.Equal(t, time.Second, cfg.GetDrainTimeout())
	assert.Equal(t, time.Second, cfg.GetDetectConnectTimeout())
	assert.Equal(t, time.Second, cfg.GetDetectReadTimeout())
	assert.Equal(t, 8, cfg.Discovery.Parallelism)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "", cfg.Metrics.ListenAddress, "metrics endpoint is opt-in")
	assert.Equal(t, "/metrics", cfg.Metrics.TelemetryPath)

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidPort, "no port configured")
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 8000
  bind_host: 127.0.0.1
  servers:
    - localhost:7001
    - localhost:7002
  read_timeout_ms: 500
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.Proxy.Port)
	assert.Equal(t, "127.0.0.1:8000", cfg.ListenAddr())
	assert.Equal(t, 500*time.Millisecond, cfg.GetReadTimeout())
	assert.Equal(t, 2*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)

	backends, err := cfg.BackendConfigs()
	require.NoError(t, err)
	require.Len(t, backends, 2)
	assert.Equal(t, 7002, backends[1].Port)
}

func TestLoadConfig_CommaSeparatedServers(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 8000
  servers:
    - "localhost:7001, localhost:7002"
    - localhost:7003
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	backends, err := cfg.BackendConfigs()
	require.NoError(t, err)
	require.Len(t, backends, 3)
	assert.Equal(t, 7001, backends[0].Port)
	assert.Equal(t, 7002, backends[1].Port)
	assert.Equal(t, 7003, backends[2].Port)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "proxy: [not, a, map"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 8000
  servers: [localhost:7001]
`)
	t.Setenv("KVPROXY_PROXY_PORT", "9000")
	t.Setenv("KVPROXY_PROXY_SERVERS", "a:1,b:2")
	t.Setenv("KVPROXY_LOG_LEVEL", "WARN")
	t.Setenv("KVPROXY_METRICS_LISTEN_ADDRESS", "127.0.0.1:9191")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Proxy.Port)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Proxy.Servers)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9191", cfg.Metrics.ListenAddress)
	assert.Equal(t, 2000, cfg.Proxy.ConnectTimeoutMs, "unset variables keep the file or default value")
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	t.Setenv("KVPROXY_PROXY_PORT", "eighty")
	_, err := Default()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.SetDefaults()
		cfg.Proxy.Port = 8000
		cfg.Proxy.Servers = []string{"localhost:7001"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Proxy.Port = 70000
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidPort)

	cfg = valid()
	cfg.Proxy.Servers = nil
	assert.ErrorIs(t, cfg.Validate(), ErrNoServers)

	cfg = valid()
	cfg.Proxy.Servers = []string{"localhost:0"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidPort)

	cfg = valid()
	cfg.Proxy.Servers = []string{"localhost"}
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Proxy.Servers = []string{" , "}
	assert.ErrorIs(t, cfg.Validate(), ErrNoServers)

	cfg = valid()
	cfg.Proxy.Servers = []string{"localhost:7001,localhost"}
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Proxy.QuitGraceMs = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Proxy.DrainTimeoutMs = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidate_MetricsAddress(t *testing.T) {
	valid := func(metrics string) *Config {
		cfg := &Config{}
		cfg.SetDefaults()
		cfg.Proxy.Port = 9090
		cfg.Proxy.Servers = []string{"localhost:7001"}
		cfg.Metrics.ListenAddress = metrics
		return cfg
	}

	assert.NoError(t, valid("").Validate())
	assert.NoError(t, valid(":9100").Validate())
	assert.ErrorIs(t, valid(":9090").Validate(), ErrPortConflict)
	assert.ErrorIs(t, valid("127.0.0.1:9090").Validate(), ErrPortConflict, "proxy binds all interfaces")
	assert.Error(t, valid("9100").Validate(), "missing port separator")

	cfg := valid("127.0.0.2:9090")
	cfg.Proxy.BindHost = "127.0.0.1"
	assert.NoError(t, cfg.Validate(), "distinct hosts may share a port number")

	cfg = valid("127.0.0.1:9090")
	cfg.Proxy.BindHost = "127.0.0.1"
	assert.ErrorIs(t, cfg.Validate(), ErrPortConflict)
}
