package types

import (
	"net"
	"strconv"
)

// ChannelType names a SPICE channel. It is only a lookup key for port selection.
type ChannelType string

const (
	ChannelMain     ChannelType = "main"
	ChannelDisplay  ChannelType = "display"
	ChannelInputs   ChannelType = "inputs"
	ChannelCursor   ChannelType = "cursor"
	ChannelPlayback ChannelType = "playback"
	ChannelRecord   ChannelType = "record"
)

// Target is the TCP endpoint a WebSocket connection is relayed to
type Target struct {
	Host string
	Port int
}

// String returns host:port (IPv6 hosts are bracketed)
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Route is the resolved outcome of a request path
type Route struct {
	Channel ChannelType
	Target  Target
}

// ConnectionID identifies one active relayed session
type ConnectionID string

// NewConnectionID builds the id as remoteAddr-channel-host:port
func NewConnectionID(remoteAddr string, route Route) ConnectionID {
	return ConnectionID(remoteAddr + "-" + string(route.Channel) + "-" + route.Target.String())
}
