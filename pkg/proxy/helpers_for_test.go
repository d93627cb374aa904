package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/spice-ws-proxy/pkg/stats"
)

type relayRun struct {
	dir   Direction
	err   error
	stats *stats.ConnectionStats
}

// tcpPair returns both ends of a loopback TCP connection
func tcpPair(t *testing.T) (local net.Conn, peer net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	local, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	peer, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	return local, peer
}

// startRelay serves one websocket that is relayed to upstream, and returns a
// connected client plus a channel receiving the relay outcome. The handler
// closes upstream after Run returns, as the connection handler does.
func startRelay(t *testing.T, ctx context.Context, r *Relay, upstream net.Conn) (*websocket.Conn, <-chan relayRun) {
	done := make(chan relayRun, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		upgrader := websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		st := stats.NewConnectionStats()
		dir, err := r.Run(ctx, "test-conn", ws, upstream, st)
		_ = upstream.Close()
		done <- relayRun{dir: dir, err: err, stats: st}
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}
