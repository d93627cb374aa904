package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/spice-ws-proxy/pkg/types"
)

// Dialer opens upstream TCP connections on the blocking pool
type Dialer struct {
	Pool      *Pool
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial connects to target with TCP_NODELAY and keepalive enabled.
// Timeout covers waiting for a pool slot as well as the connect itself.
// Errors are *DialError.
func (d *Dialer) Dial(ctx context.Context, target types.Target) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	nd := &net.Dialer{KeepAlive: d.KeepAlive}

	var (
		mu        sync.Mutex
		abandoned bool
		conn      net.Conn
		err       error
	)
	if perr := d.Pool.Do(ctx, func() {
		c, e := nd.DialContext(ctx, "tcp", target.String())
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			// Nobody is waiting for this connection anymore.
			if c != nil {
				_ = c.Close()
			}
			return
		}
		conn, err = c, e
	}); perr != nil {
		mu.Lock()
		abandoned = true
		if conn != nil {
			// connected just as the wait gave up
			_ = conn.Close()
		}
		mu.Unlock()
		return nil, newDialError(target, perr)
	}
	if err != nil {
		return nil, newDialError(target, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		if d.KeepAlive > 0 {
			_ = tcpConn.SetKeepAlivePeriod(d.KeepAlive)
		}
	}
	return conn, nil
}
