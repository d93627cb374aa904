package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/spice-ws-proxy/pkg/config"
	"github.com/spice-ws-proxy/pkg/logging"
	"github.com/spice-ws-proxy/pkg/server"
	"github.com/spice-ws-proxy/pkg/stats"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry (default :9090).").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics (default /metrics).").String()
	basePort      = kingpin.Flag("ws.base-port", "First WebSocket port; channel i listens on base+i, statistics on base+999 (default 8080).").Int()
	spiceHost     = kingpin.Flag("spice.host", "SPICE host used when the request path names none (default qemu-spice).").String()
	logLevel      = kingpin.Flag("log.level", "Log level: debug, info, warn, error (default info).").String()
)

func main() {
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		cfg = config.Default()
	}
	applyFlags(cfg)

	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		logging.Warnf("[startup] %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}

	logging.Logf("[startup] instance=%s base_port=%d stats_port=%d spice_host=%s channels=%s",
		logging.GetInstanceID(), cfg.Proxy.BasePort, cfg.StatsPort(), cfg.Proxy.SpiceHost, channelSummary(cfg))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		logging.Fatalf("Proxy error: %v", err)
	}
	logging.Flush()
}

func run(ctx context.Context, cfg *config.Config) error {
	proxyServer, err := server.NewProxyServer(cfg, stats.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to create proxy: %v", err)
	}

	// Every endpoint is bound before any is served
	listeners, err := proxyServer.Bind()
	if err != nil {
		return err
	}

	// Start metrics server
	go func() {
		if err := proxyServer.StartMetricsServer(cfg.Metrics.ListenAddress, cfg.Metrics.TelemetryPath); err != nil {
			logging.Errorf("[listen] metrics server error: %v", err)
		}
	}()

	return proxyServer.Serve(ctx, listeners)
}

// applyFlags lets explicitly given flags override the file and environment
func applyFlags(cfg *config.Config) {
	if *listenAddress != "" {
		cfg.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Metrics.TelemetryPath = *telemetryPath
	}
	if *basePort != 0 {
		cfg.Proxy.BasePort = *basePort
	}
	if *spiceHost != "" {
		cfg.Proxy.SpiceHost = *spiceHost
	}
	if *logLevel != "" {
		cfg.Log.Level = strings.ToLower(*logLevel)
	}
}

func channelSummary(cfg *config.Config) string {
	parts := make([]string, 0, len(cfg.Channels))
	for i, ch := range cfg.ChannelTable().Entries() {
		parts = append(parts, fmt.Sprintf("%s:%d->%d", ch.Name, cfg.Proxy.BasePort+i, ch.Port))
	}
	return strings.Join(parts, ",")
}
