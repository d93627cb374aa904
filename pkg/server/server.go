package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spice-ws-proxy/pkg/config"
	"github.com/spice-ws-proxy/pkg/logging"
	"github.com/spice-ws-proxy/pkg/metrics"
	"github.com/spice-ws-proxy/pkg/proxy"
	"github.com/spice-ws-proxy/pkg/stats"
)

const (
	// tcpKeepAlivePeriod is applied to every upstream socket
	tcpKeepAlivePeriod = 30 * time.Second

	// closeTimeout bounds writing a close frame
	closeTimeout = 2 * time.Second
)

// NewProxyServer creates a new proxy server. conns is the registry of active
// relays shared by the channel endpoints and the stats endpoint.
func NewProxyServer(cfg *config.Config, conns *stats.Registry) (*ProxyServer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if conns == nil {
		conns = stats.NewRegistry()
	}

	registry := prometheus.NewRegistry()
	readPool := proxy.NewPool(cfg.Proxy.WorkerPoolSize)
	dialPool := proxy.NewPool(cfg.Proxy.DialPoolSize)

	server := &ProxyServer{
		cfg:      cfg,
		table:    cfg.ChannelTable(),
		conns:    conns,
		readPool: readPool,
		dialPool: dialPool,
		dialer: &proxy.Dialer{
			Pool:      dialPool,
			Timeout:   cfg.GetDialTimeout(),
			KeepAlive: tcpKeepAlivePeriod,
		},
		relay: &proxy.Relay{
			Pool:         readPool,
			ChunkSize:    cfg.Proxy.ChunkSize,
			PingInterval: cfg.GetPingInterval(),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  proxy.DefaultChunkSize,
			WriteBufferSize: proxy.DefaultChunkSize,
			// Browsers connect from whatever page embeds the viewer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: registry,
	}

	// Create collector with a callback that reads the live registry
	collector := metrics.NewCollector(func() int {
		return server.conns.Len()
	})

	server.collector = collector
	registry.MustRegister(collector)

	return server, nil
}

// Registry returns the registry of active relays
func (s *ProxyServer) Registry() *stats.Registry {
	return s.conns
}

// ActiveProxies returns the number of relays currently running
func (s *ProxyServer) ActiveProxies() int {
	return int(s.activeProxies.Load())
}

// MetricsHandler returns the router serving metrics, health and the index page
func (s *ProxyServer) MetricsHandler(metricsPath string) http.Handler {
	router := mux.NewRouter()
	router.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>SPICE WebSocket Proxy</title></head>
<body>
<h1>SPICE WebSocket Proxy</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})
	return router
}

// StartMetricsServer starts the metrics server
func (s *ProxyServer) StartMetricsServer(metricsAddr, metricsPath string) error {
	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	return http.ListenAndServe(metricsAddr, s.MetricsHandler(metricsPath))
}
