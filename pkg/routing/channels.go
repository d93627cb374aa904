package routing

import (
	"github.com/spice-ws-proxy/pkg/types"
)

// DefaultPort is used for channel names the table does not know about
const DefaultPort = 5900

// ChannelConfig is a reusable {name,port} mapping used by config and the listener set.
type ChannelConfig struct {
	Name string `yaml:"name"` // Channel name (path prefix)
	Port int    `yaml:"port"` // Upstream SPICE TCP port
}

// DefaultChannels returns the standard SPICE channel set in listener order.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: string(types.ChannelMain), Port: 5900},
		{Name: string(types.ChannelDisplay), Port: 5901},
		{Name: string(types.ChannelInputs), Port: 5902},
		{Name: string(types.ChannelCursor), Port: 5903},
		{Name: string(types.ChannelPlayback), Port: 5904},
		{Name: string(types.ChannelRecord), Port: 5905},
	}
}

// ChannelTable maps channel names to default TCP ports.
// The iteration order is fixed when the table is built and never changes.
type ChannelTable struct {
	entries []ChannelConfig
	index   map[types.ChannelType]int
}

// NewChannelTable builds a table from entries, keeping their order.
// Later duplicates of a name are ignored.
func NewChannelTable(entries []ChannelConfig) *ChannelTable {
	t := &ChannelTable{
		entries: make([]ChannelConfig, 0, len(entries)),
		index:   make(map[types.ChannelType]int, len(entries)),
	}
	for _, e := range entries {
		name := types.ChannelType(e.Name)
		if e.Name == "" {
			continue
		}
		if _, ok := t.index[name]; ok {
			continue
		}
		t.index[name] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t
}

// Entries returns a copy of the table in iteration order
func (t *ChannelTable) Entries() []ChannelConfig {
	out := make([]ChannelConfig, len(t.entries))
	copy(out, t.entries)
	return out
}

// Port returns the configured port for a channel, or DefaultPort for unknown names.
func (t *ChannelTable) Port(channel types.ChannelType) int {
	if i, ok := t.index[channel]; ok {
		return t.entries[i].Port
	}
	return DefaultPort
}

// Index returns the position of the channel in iteration order
func (t *ChannelTable) Index(channel types.ChannelType) (int, bool) {
	i, ok := t.index[channel]
	return i, ok
}

// Len returns the number of channels
func (t *ChannelTable) Len() int {
	return len(t.entries)
}
