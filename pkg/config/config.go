package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/routing"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. KVPROXY_PROXY_PORT.
const EnvPrefix = "KVPROXY_"

var (
	ErrNoServers = errors.New("at least one server is required")
	// ErrPortConflict means the metrics endpoint would bind the proxy port.
	ErrPortConflict = errors.New("metrics listen address conflicts with proxy port")
	// ErrInvalidPort is shared with the backend address parser.
	ErrInvalidPort = routing.ErrInvalidPort
)

// Config application configuration structure
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy" envPrefix:"PROXY_"`
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

// ProxyConfig client-facing listener and forwarding configuration
type ProxyConfig struct {
	Port     int    `yaml:"port" env:"PORT"`           // Port served on both TCP and UDP
	BindHost string `yaml:"bind_host" env:"BIND_HOST"` // Empty means all interfaces
	// Backends as host:port, in routing priority order (later entries win on key collisions).
	// An entry may hold several comma-separated backends.
	Servers          []string `yaml:"servers" env:"SERVERS" envSeparator:","`
	ConnectTimeoutMs int      `yaml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
	ReadTimeoutMs    int      `yaml:"read_timeout_ms" env:"READ_TIMEOUT_MS"`
	QuitGraceMs      int      `yaml:"quit_grace_ms" env:"QUIT_GRACE_MS"`         // Delay between QUIT broadcast and exit
	DrainTimeoutMs   int      `yaml:"drain_timeout_ms" env:"DRAIN_TIMEOUT_MS"` // Open TCP clients are closed after this on stop
}

// DiscoveryConfig transport detection configuration
type DiscoveryConfig struct {
	DetectConnectTimeoutMs int `yaml:"detect_connect_timeout_ms" env:"DETECT_CONNECT_TIMEOUT_MS"`
	DetectReadTimeoutMs    int `yaml:"detect_read_timeout_ms" env:"DETECT_READ_TIMEOUT_MS"`
	Parallelism            int `yaml:"parallelism" env:"PARALLELISM"`
}

// LogConfig log configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// MetricsConfig metrics endpoint configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"` // Empty (default) disables the endpoint
	TelemetryPath string `yaml:"telemetry_path" env:"TELEMETRY_PATH"`
}

// Default returns a configuration with defaults and environment overrides applied.
func Default() (*Config, error) {
	config := &Config{}
	config.SetDefaults()
	if err := config.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Proxy.ConnectTimeoutMs == 0 {
		c.Proxy.ConnectTimeoutMs = 2000
	}
	if c.Proxy.ReadTimeoutMs == 0 {
		c.Proxy.ReadTimeoutMs = 2000
	}
	if c.Proxy.QuitGraceMs == 0 {
		c.Proxy.QuitGraceMs = 1000
	}
	if c.Proxy.DrainTimeoutMs == 0 {
		c.Proxy.DrainTimeoutMs = 1000
	}

	if c.Discovery.DetectConnectTimeoutMs == 0 {
		c.Discovery.DetectConnectTimeoutMs = 1000
	}
	if c.Discovery.DetectReadTimeoutMs == 0 {
		c.Discovery.DetectReadTimeoutMs = 1000
	}
	if c.Discovery.Parallelism == 0 {
		c.Discovery.Parallelism = 8
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}
}

// ApplyEnvOverrides applies KVPROXY_* environment variable overrides.
// Unset variables leave the current value untouched.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	return nil
}

// Validate checks the configuration is usable before anything is started.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("port %d: %w", c.Proxy.Port, ErrInvalidPort)
	}
	if _, err := c.BackendConfigs(); err != nil {
		return err
	}
	if err := c.validateMetricsAddress(); err != nil {
		return err
	}
	if c.Proxy.ConnectTimeoutMs < 0 || c.Proxy.ReadTimeoutMs < 0 || c.Proxy.QuitGraceMs < 0 || c.Proxy.DrainTimeoutMs < 0 {
		return errors.New("proxy timeouts must not be negative")
	}
	if c.Discovery.DetectConnectTimeoutMs < 0 || c.Discovery.DetectReadTimeoutMs < 0 {
		return errors.New("detection timeouts must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// validateMetricsAddress rejects a metrics endpoint that would share the
// proxy's TCP port on an overlapping host.
func (c *Config) validateMetricsAddress() error {
	if c.Metrics.ListenAddress == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(c.Metrics.ListenAddress)
	if err != nil {
		return fmt.Errorf("metrics listen address %q: %w", c.Metrics.ListenAddress, err)
	}
	if port != strconv.Itoa(c.Proxy.Port) {
		return nil
	}
	if host == "" || c.Proxy.BindHost == "" || host == c.Proxy.BindHost {
		return fmt.Errorf("%w: %s", ErrPortConflict, c.Metrics.ListenAddress)
	}
	return nil
}

// BackendConfigs parses the configured servers in order. Each entry may be a
// single host:port or a comma-separated list of them.
func (c *Config) BackendConfigs() ([]routing.BackendConfig, error) {
	out := make([]routing.BackendConfig, 0, len(c.Proxy.Servers))
	for _, s := range c.Proxy.Servers {
		bcs, err := routing.ParseBackendAddrString(s)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", s, err)
		}
		out = append(out, bcs...)
	}
	if len(out) == 0 {
		return nil, ErrNoServers
	}
	return out, nil
}

// ListenAddr is the host:port both client listeners bind to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Proxy.BindHost, strconv.Itoa(c.Proxy.Port))
}

// GetConnectTimeout gets forwarding connect timeout
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Proxy.ConnectTimeoutMs) * time.Millisecond
}

// GetReadTimeout gets forwarding read timeout
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Proxy.ReadTimeoutMs) * time.Millisecond
}

// GetQuitGrace gets the delay between the QUIT broadcast and process exit
func (c *Config) GetQuitGrace() time.Duration {
	return time.Duration(c.Proxy.QuitGraceMs) * time.Millisecond
}

// GetDrainTimeout gets how long stop waits for open TCP clients before closing them
func (c *Config) GetDrainTimeout() time.Duration {
	return time.Duration(c.Proxy.DrainTimeoutMs) * time.Millisecond
}

// GetDetectConnectTimeout gets detection probe connect timeout
func (c *Config) GetDetectConnectTimeout() time.Duration {
	return time.Duration(c.Discovery.DetectConnectTimeoutMs) * time.Millisecond
}

// GetDetectReadTimeout gets detection probe read timeout
func (c *Config) GetDetectReadTimeout() time.Duration {
	return time.Duration(c.Discovery.DetectReadTimeoutMs) * time.Millisecond
}

// LogConfiguration prints the effective configuration at startup.
func (c *Config) LogConfiguration() {
	logging.Logf("[config] port=%d bind_host=%q", c.Proxy.Port, c.Proxy.BindHost)
	for i, s := range c.Proxy.Servers {
		logging.Logf("[config] server[%d]=%s", i, s)
	}
	logging.Logf("[config] forward connect=%s read=%s quit_grace=%s drain=%s",
		c.GetConnectTimeout(), c.GetReadTimeout(), c.GetQuitGrace(), c.GetDrainTimeout())
	logging.Logf("[config] detect connect=%s read=%s parallelism=%d",
		c.GetDetectConnectTimeout(), c.GetDetectReadTimeout(), c.Discovery.Parallelism)
	if c.Metrics.ListenAddress == "" {
		logging.Logf("[config] metrics disabled")
	} else {
		logging.Logf("[config] metrics=%s%s", c.Metrics.ListenAddress, c.Metrics.TelemetryPath)
	}
}
