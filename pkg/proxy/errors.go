package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/spice-ws-proxy/pkg/types"
)

// Direction names the part of a relay that finished or failed
type Direction string

const (
	DirectionNone      Direction = ""
	DirectionEgress    Direction = "tcp->ws"
	DirectionIngress   Direction = "ws->tcp"
	DirectionKeepalive Direction = "keepalive"
)

// Side names the socket an error came from
type Side string

const (
	SideTCP       Side = "tcp"
	SideWebSocket Side = "websocket"
)

// DialError is returned when the upstream TCP connection cannot be opened
type DialError struct {
	Target  types.Target
	Timeout bool
	Err     error
}

func (e *DialError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("Connection timeout to %s", e.Target)
	}
	return fmt.Sprintf("Failed to connect to %s: %v", e.Target, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

func newDialError(target types.Target, err error) *DialError {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	return &DialError{Target: target, Timeout: timeout, Err: err}
}

// RelayError reports the failure that ended an active relay
type RelayError struct {
	Direction Direction
	Side      Side
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Side, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
