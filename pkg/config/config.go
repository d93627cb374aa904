package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spice-ws-proxy/pkg/routing"
	"gopkg.in/yaml.v3"
)

// StatsPortOffset is the offset from the base port of the statistics endpoint
const StatsPortOffset = 999

// DefaultPingInterval is the keepalive ping interval in seconds
const DefaultPingInterval = 20

// Config application configuration structure
type Config struct {
	Proxy    ProxyConfig             `yaml:"proxy"`
	Channels []routing.ChannelConfig `yaml:"channels"`
	Metrics  MetricsConfig           `yaml:"metrics"`
	Log      LogConfig               `yaml:"log"`
}

// ProxyConfig listener and upstream configuration
type ProxyConfig struct {
	BasePort       int    `yaml:"base_port"`        // First WebSocket port; channel i listens on base_port+i
	BindHost       string `yaml:"bind_host"`        // Listen host for all WebSocket endpoints
	SpiceHost      string `yaml:"spice_host"`       // Default upstream host when the path names none
	DialTimeout    int    `yaml:"dial_timeout"`     // Upstream TCP connect timeout (seconds)
	WorkerPoolSize int    `yaml:"worker_pool_size"` // Max concurrent blocking upstream reads (one per streaming relay)
	DialPoolSize   int    `yaml:"dial_pool_size"`   // Max concurrent upstream connects
	ChunkSize      int    `yaml:"chunk_size"`       // Max bytes per upstream read
	PingInterval   int    `yaml:"ping_interval"`    // WebSocket keepalive ping interval (seconds, 0 uses the default, negative disables)
	StatsInterval  int    `yaml:"stats_interval"`   // Statistics push interval (seconds)
}

// MetricsConfig Prometheus endpoint configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a configuration with defaults and environment overrides applied
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Proxy.BasePort == 0 {
		c.Proxy.BasePort = 8080
	}
	if c.Proxy.BindHost == "" {
		c.Proxy.BindHost = "0.0.0.0"
	}
	if c.Proxy.SpiceHost == "" {
		c.Proxy.SpiceHost = "qemu-spice"
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10
	}
	if c.Proxy.WorkerPoolSize == 0 {
		c.Proxy.WorkerPoolSize = 256
	}
	if c.Proxy.DialPoolSize == 0 {
		c.Proxy.DialPoolSize = 64
	}
	if c.Proxy.ChunkSize == 0 {
		c.Proxy.ChunkSize = 64 * 1024
	}
	if c.Proxy.PingInterval == 0 {
		c.Proxy.PingInterval = DefaultPingInterval
	}
	if c.Proxy.StatsInterval == 0 {
		c.Proxy.StatsInterval = 1
	}

	if len(c.Channels) == 0 {
		c.Channels = routing.DefaultChannels()
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetDialTimeout gets dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetPingInterval gets the WebSocket ping interval; a zero result means pings are disabled
func (c *Config) GetPingInterval() time.Duration {
	switch {
	case c.Proxy.PingInterval < 0:
		return 0
	case c.Proxy.PingInterval == 0:
		return DefaultPingInterval * time.Second
	}
	return time.Duration(c.Proxy.PingInterval) * time.Second
}

// GetStatsInterval gets the statistics push interval
func (c *Config) GetStatsInterval() time.Duration {
	return time.Duration(c.Proxy.StatsInterval) * time.Second
}

// StatsPort returns the port of the statistics endpoint
func (c *Config) StatsPort() int {
	return c.Proxy.BasePort + StatsPortOffset
}

// ChannelTable builds the routing table from the configured channels
func (c *Config) ChannelTable() *routing.ChannelTable {
	return routing.NewChannelTable(c.Channels)
}

// channelPortEnv returns the environment variable overriding a channel port, e.g. DISPLAY_CHANNEL_PORT
func channelPortEnv(name string) string {
	return strings.ToUpper(name) + "_CHANNEL_PORT"
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	envInt("WS_BASE_PORT", &c.Proxy.BasePort)
	if val := os.Getenv("BIND_HOST"); val != "" {
		c.Proxy.BindHost = val
	}
	if val := os.Getenv("SPICE_HOST"); val != "" {
		c.Proxy.SpiceHost = val
	}
	envInt("PROXY_DIAL_TIMEOUT_SECONDS", &c.Proxy.DialTimeout)
	envInt("PROXY_WORKER_POOL_SIZE", &c.Proxy.WorkerPoolSize)
	envInt("PROXY_DIAL_POOL_SIZE", &c.Proxy.DialPoolSize)
	envInt("PROXY_CHUNK_SIZE", &c.Proxy.ChunkSize)
	envInt("PROXY_PING_INTERVAL_SECONDS", &c.Proxy.PingInterval)
	envInt("PROXY_STATS_INTERVAL_SECONDS", &c.Proxy.StatsInterval)

	// Channel ports: MAIN_CHANNEL_PORT, DISPLAY_CHANNEL_PORT, ...
	for i := range c.Channels {
		envInt(channelPortEnv(c.Channels[i].Name), &c.Channels[i].Port)
	}

	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// Validate checks values that would otherwise fail at bind or dial time
func (c *Config) Validate() error {
	if c.Proxy.BasePort <= 0 || c.StatsPort() > 65535 {
		return fmt.Errorf("base port %d leaves no room for the stats port (+%d)", c.Proxy.BasePort, StatsPortOffset)
	}
	if c.Proxy.BasePort+len(c.Channels)-1 > 65535 {
		return fmt.Errorf("base port %d too high for %d channels", c.Proxy.BasePort, len(c.Channels))
	}
	for _, ch := range c.Channels {
		if ch.Port <= 0 || ch.Port > 65535 {
			return fmt.Errorf("channel %q has invalid port %d", ch.Name, ch.Port)
		}
	}
	if c.Proxy.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.Proxy.WorkerPoolSize)
	}
	if c.Proxy.DialPoolSize <= 0 {
		return fmt.Errorf("dial pool size must be positive, got %d", c.Proxy.DialPoolSize)
	}
	if c.Proxy.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Proxy.ChunkSize)
	}
	if c.Proxy.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %d", c.Proxy.DialTimeout)
	}
	if c.Proxy.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive, got %d", c.Proxy.StatsInterval)
	}
	return nil
}
