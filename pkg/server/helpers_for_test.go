package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/spice-ws-proxy/pkg/config"
	"github.com/spice-ws-proxy/pkg/routing"
	"github.com/spice-ws-proxy/pkg/stats"
	"github.com/spice-ws-proxy/pkg/types"
)

// upstream is an in-process TCP server standing in for a SPICE channel
type upstream struct {
	listener net.Listener
	accepted atomic.Int32
}

func (u *upstream) port() int {
	return u.listener.Addr().(*net.TCPAddr).Port
}

// startEchoUpstream echoes everything it reads. With a non-nil release it
// echoes a single read, then closes the connection once release is closed.
func startEchoUpstream(t *testing.T, release <-chan struct{}) *upstream {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	u := &upstream{listener: l}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			u.accepted.Add(1)
			go func() {
				defer conn.Close()
				if release == nil {
					_, _ = io.Copy(conn, conn)
					return
				}
				buf := make([]byte, 4096)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				_, _ = conn.Write(buf[:n])
				<-release
			}()
		}
	}()
	return u
}

// closedPort returns a loopback port nothing listens on
func closedPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// newTestServer builds a server whose default host is loopback and whose
// main channel points at mainPort
func newTestServer(t *testing.T, mainPort int) *ProxyServer {
	return newTestServerWith(t, mainPort, nil)
}

// newTestServerWith is newTestServer with tune applied before defaults fill in
func newTestServerWith(t *testing.T, mainPort int, tune func(*config.Config)) *ProxyServer {
	cfg := &config.Config{}
	cfg.Proxy.SpiceHost = "127.0.0.1"
	cfg.Proxy.BindHost = "127.0.0.1"
	cfg.Proxy.DialTimeout = 2
	cfg.Proxy.PingInterval = -1
	cfg.Channels = []routing.ChannelConfig{
		{Name: "main", Port: mainPort},
		{Name: "display", Port: mainPort},
	}
	if tune != nil {
		tune(cfg)
	}
	cfg.SetDefaults()

	s, err := NewProxyServer(cfg, stats.NewRegistry())
	require.NoError(t, err)
	return s
}

func serveHandler(t *testing.T, h http.HandlerFunc) string {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, dialer *websocket.Dialer, url string) *websocket.Conn {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readClose reads until the server's close frame arrives
func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

// failureReasons lists the reason label of every recorded connection failure
func failureReasons(t *testing.T, s *ProxyServer) []string {
	families, err := s.registry.Gather()
	require.NoError(t, err)
	var reasons []string
	for _, mf := range families {
		if mf.GetName() != "spice_ws_proxy_connections_failed_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" {
					reasons = append(reasons, lp.GetValue())
				}
			}
		}
	}
	return reasons
}

// countingConn counts Close calls on an upstream connection
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// countingDialer hands out countingConns from the server's own dialer
type countingDialer struct {
	inner upstreamDialer
	conns chan *countingConn
}

func wrapDialer(s *ProxyServer) *countingDialer {
	d := &countingDialer{inner: s.dialer, conns: make(chan *countingConn, 4)}
	s.dialer = d
	return d
}

func (d *countingDialer) Dial(ctx context.Context, target types.Target) (net.Conn, error) {
	conn, err := d.inner.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	cc := &countingConn{Conn: conn}
	d.conns <- cc
	return cc, nil
}

// sinkUpstream accepts one connection, reads it to the end and reports the
// error that ended the read. With closeAfterFirst it hangs up after the
// first read instead.
func sinkUpstream(t *testing.T, closeAfterFirst bool) (int, <-chan error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ended := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			ended <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				ended <- err
				return
			}
			if closeAfterFirst {
				ended <- nil
				return
			}
		}
	}()
	return l.Addr().(*net.TCPAddr).Port, ended
}
