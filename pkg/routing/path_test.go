package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-ws-proxy/pkg/types"
)

func testTable() *ChannelTable {
	return NewChannelTable(DefaultChannels())
}

func TestResolve(t *testing.T) {
	table := testTable()
	tests := []struct {
		path    string
		channel types.ChannelType
		host    string
		port    int
	}{
		{"", "main", "qemu-spice", 5900},
		{"/", "main", "qemu-spice", 5900},
		{"//", "main", "qemu-spice", 5900},
		{"/main", "main", "qemu-spice", 5900},
		{"cursor", "cursor", "qemu-spice", 5903},
		{"display?host=10.0.0.5&port=5901", "display", "10.0.0.5", 5901},
		{"/display?host=10.0.0.5", "display", "10.0.0.5", 5901},
		{"/record?port=7000", "record", "qemu-spice", 7000},
		{"/playback?host=", "playback", "qemu-spice", 5904},
		{"/display?port=", "display", "qemu-spice", 5901},
		{"/display?host=&port=", "display", "qemu-spice", 5901},
		{"/?host=vm1", "main", "vm1", 5900},
		{"inputs/vmhost:5902", "inputs", "vmhost", 5902},
		{"/inputs/vmhost", "inputs", "vmhost", 5902},
		{"/display/[::1]:6001", "display", "::1", 6001},
		{"/display/[::1]", "display", "::1", 5901},
		{"/display/", "display", "qemu-spice", 5901},
		{"/webdav", "webdav", "qemu-spice", DefaultPort},
		{"/webdav/vmhost", "webdav", "vmhost", DefaultPort},
		{"/webdav?host=vmhost&port=6100", "webdav", "vmhost", 6100},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, err := Resolve(tt.path, table, "qemu-spice")
			require.NoError(t, err)
			assert.Equal(t, tt.channel, route.Channel)
			assert.Equal(t, tt.host, route.Target.Host)
			assert.Equal(t, tt.port, route.Target.Port)
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	table := testTable()
	first, err := Resolve("display?host=10.0.0.5&port=5901", table, "h")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve("display?host=10.0.0.5&port=5901", table, "h")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolveMalformedPort(t *testing.T) {
	table := testTable()
	for _, path := range []string{
		"main?port=abc",
		"/inputs/vmhost:x",
		"/inputs/vmhost:",
		"/display?port=0",
		"/display/host:70000",
	} {
		t.Run(path, func(t *testing.T) {
			_, err := Resolve(path, table, "qemu-spice")
			require.Error(t, err)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, path, perr.Path)
		})
	}
}

func TestChannelTable(t *testing.T) {
	table := NewChannelTable([]ChannelConfig{
		{Name: "main", Port: 6000},
		{Name: "display", Port: 6001},
		{Name: "main", Port: 7000},
		{Name: "", Port: 1},
	})

	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 6000, table.Port("main"))
	assert.Equal(t, DefaultPort, table.Port("unknown"))

	i, ok := table.Index("display")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	entries := table.Entries()
	entries[0].Port = 1
	assert.Equal(t, 6000, table.Port("main"), "Entries returns a copy")
}

func TestDefaultChannelsOrder(t *testing.T) {
	names := []string{}
	for _, c := range DefaultChannels() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"main", "display", "inputs", "cursor", "playback", "record"}, names)
}
