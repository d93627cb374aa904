package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spice-ws-proxy/pkg/config"
	"github.com/spice-ws-proxy/pkg/metrics"
	"github.com/spice-ws-proxy/pkg/proxy"
	"github.com/spice-ws-proxy/pkg/routing"
	"github.com/spice-ws-proxy/pkg/stats"
	"github.com/spice-ws-proxy/pkg/types"
)

// upstreamDialer opens the TCP side of a relay. *proxy.Dialer implements it.
type upstreamDialer interface {
	Dial(ctx context.Context, target types.Target) (net.Conn, error)
}

// ProxyServer proxy server
type ProxyServer struct {
	cfg   *config.Config
	table *routing.ChannelTable

	// conns holds the stats of every active relay. It is shared with the
	// stats endpoint and owned by the caller of NewProxyServer.
	conns *stats.Registry

	// Upstream reads and connects run on separate pools so relays parked in
	// a read never hold up new connects.
	readPool *proxy.Pool
	dialPool *proxy.Pool
	dialer   upstreamDialer
	relay    *proxy.Relay
	upgrader websocket.Upgrader

	registry  *prometheus.Registry
	collector *metrics.Collector

	// activeProxies counts relays between registration and cleanup
	activeProxies atomic.Int64

	// handlers tracks running endpoint handlers; hijacked connections are
	// not waited for by http.Server.Shutdown. Add only while !closing.
	handlers    sync.WaitGroup
	closingLock sync.Mutex
	closing     bool

	// upgrade failure log throttling (to avoid flooding debug logs with scanners)
	upgradeFailLock       sync.Mutex
	upgradeFailLastLogAt  time.Time
	upgradeFailSuppressed int
}
