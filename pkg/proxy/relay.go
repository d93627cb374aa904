package proxy

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/spice-ws-proxy/pkg/logging"
	"github.com/spice-ws-proxy/pkg/stats"
	"github.com/spice-ws-proxy/pkg/types"
)

// DefaultChunkSize is the largest upstream read forwarded as one message
const DefaultChunkSize = 64 * 1024

const defaultWriteTimeout = 10 * time.Second

// MessageConn is the WebSocket side of a relay. *websocket.Conn implements it.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	UnderlyingConn() net.Conn
}

// Relay moves bytes between one WebSocket and one TCP connection.
type Relay struct {
	Pool         *Pool
	ChunkSize    int
	PingInterval time.Duration // 0 disables keepalive pings
	WriteTimeout time.Duration // bound on a single WebSocket write
}

type pumpResult struct {
	dir Direction
	err error
}

func (r *Relay) chunkSize() int {
	if r.ChunkSize > 0 {
		return r.ChunkSize
	}
	return DefaultChunkSize
}

func (r *Relay) writeTimeout() time.Duration {
	if r.WriteTimeout > 0 {
		return r.WriteTimeout
	}
	return defaultWriteTimeout
}

// Run relays until either direction ends, then stops the other and waits for
// it before returning. It returns the direction that finished first and, if
// that direction failed, a *RelayError. A nil error from DirectionEgress means
// the upstream closed; from DirectionIngress, the client closed.
// Run never closes ws or tcp.
func (r *Relay) Run(ctx context.Context, id types.ConnectionID, ws MessageConn, tcp net.Conn, st *stats.ConnectionStats) (Direction, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan pumpResult, 3)
	running := 2
	go func() {
		results <- pumpResult{dir: DirectionEgress, err: r.egress(ctx, id, ws, tcp, st)}
	}()
	go func() {
		results <- pumpResult{dir: DirectionIngress, err: r.ingress(ctx, id, ws, tcp, st)}
	}()
	if r.PingInterval > 0 {
		running++
		go func() {
			results <- pumpResult{dir: DirectionKeepalive, err: r.keepalive(ctx, ws)}
		}()
	}

	var first pumpResult
	select {
	case first = <-results:
		running--
	case <-ctx.Done():
	}

	cancel()
	interrupt(ws, tcp)
	for ; running > 0; running-- {
		<-results
	}

	if first.err == nil && parent.Err() != nil {
		return first.dir, parent.Err()
	}
	return first.dir, first.err
}

// interrupt unblocks pending I/O on both sockets without closing them.
func interrupt(ws MessageConn, tcp net.Conn) {
	now := time.Now()
	_ = tcp.SetDeadline(now)
	if c := ws.UnderlyingConn(); c != nil {
		_ = c.SetDeadline(now)
	}
}

// egress forwards upstream bytes to the client, one message per read.
func (r *Relay) egress(ctx context.Context, id types.ConnectionID, ws MessageConn, tcp net.Conn, st *stats.ConnectionStats) error {
	buf := make([]byte, r.chunkSize())
	for {
		var n int
		var rerr error
		if err := r.Pool.Do(ctx, func() {
			n, rerr = tcp.Read(buf)
		}); err != nil {
			// cancelled; a late read result is dropped with buf
			return nil
		}

		if n > 0 {
			if err := ws.SetWriteDeadline(time.Now().Add(r.writeTimeout())); err != nil {
				return &RelayError{Direction: DirectionEgress, Side: SideWebSocket, Err: err}
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &RelayError{Direction: DirectionEgress, Side: SideWebSocket, Err: errors.Wrap(err, "write websocket")}
			}
			if count := st.AddSent(n); count%100 == 0 && logging.IsDebug() {
				logging.Debugf("[relay][debug] %s id=%s %+v", DirectionEgress, id, st.Snapshot())
			}
		}

		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if rerr == io.EOF {
				logging.Debugf("[relay][debug] upstream closed id=%s", id)
				return nil
			}
			return &RelayError{Direction: DirectionEgress, Side: SideTCP, Err: errors.Wrap(rerr, "read upstream")}
		}
	}
}

// ingress forwards client messages to the upstream socket.
// Text and binary messages are both forwarded as their raw bytes.
func (r *Relay) ingress(ctx context.Context, id types.ConnectionID, ws MessageConn, tcp net.Conn, st *stats.ConnectionStats) error {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				logging.Debugf("[relay][debug] client closed id=%s code=%d", id, ce.Code)
				return nil
			}
			return &RelayError{Direction: DirectionIngress, Side: SideWebSocket, Err: errors.Wrap(err, "read websocket")}
		}

		if n, err := writeFull(tcp, payload); err != nil {
			// bytes that reached upstream before the failure still count
			st.AddReceivedBytes(n)
			if ctx.Err() != nil {
				return nil
			}
			return &RelayError{Direction: DirectionIngress, Side: SideTCP, Err: errors.Wrap(err, "write upstream")}
		}
		if count := st.AddReceived(len(payload)); count%100 == 0 && logging.IsDebug() {
			logging.Debugf("[relay][debug] %s id=%s %+v", DirectionIngress, id, st.Snapshot())
		}
	}
}

// keepalive pings the client until ctx is done; it only returns early on failure.
func (r *Relay) keepalive(ctx context.Context, ws MessageConn) error {
	ticker := time.NewTicker(r.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.writeTimeout())); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &RelayError{Direction: DirectionKeepalive, Side: SideWebSocket, Err: errors.Wrap(err, "ping")}
			}
		}
	}
}

// writeFull writes all of p, retrying short writes. It returns how many
// bytes were written, also on error.
func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
