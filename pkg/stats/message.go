package stats

import (
	"time"

	"github.com/spice-ws-proxy/pkg/types"
)

// Message is the payload pushed by the statistics endpoint
type Message struct {
	Connections   map[types.ConnectionID]Snapshot `json:"connections"`
	ActiveProxies int                             `json:"active_proxies"`
	Timestamp     float64                         `json:"timestamp"`
}

// NewMessage snapshots the registry at now
func NewMessage(r *Registry, activeProxies int, now time.Time) Message {
	return Message{
		Connections:   r.Snapshot(),
		ActiveProxies: activeProxies,
		Timestamp:     float64(now.UnixNano()) / float64(time.Second),
	}
}
