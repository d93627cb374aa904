package routing

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spice-ws-proxy/pkg/types"
)

// ParseError reports a request path that cannot be routed
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid request path %q: %s", e.Path, e.Reason)
}

func parsePort(path, s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ParseError{Path: path, Reason: fmt.Sprintf("malformed port %q", s)}
	}
	if port <= 0 || port >= 65536 {
		return 0, &ParseError{Path: path, Reason: fmt.Sprintf("port %d out of range", port)}
	}
	return port, nil
}

func channelOrMain(s string) types.ChannelType {
	if s == "" {
		return types.ChannelMain
	}
	return types.ChannelType(s)
}

// Resolve maps an inbound WebSocket request path to a channel and upstream target.
//
// Supported formats, tried in order (leading "/" is ignored):
//  1. channel?host=H&port=P -> missing host uses defaultHost, missing port uses the channel port
//  2. channel/host:port     -> "channel/host" uses the channel port
//  3. channel               -> defaultHost and the channel port; empty means "main"
//
// Unknown channel names are accepted as-is and fall back to DefaultPort.
// A malformed port yields a *ParseError.
func Resolve(path string, table *ChannelTable, defaultHost string) (types.Route, error) {
	raw := path
	path = strings.TrimLeft(path, "/")

	route := types.Route{
		Channel: types.ChannelMain,
		Target:  types.Target{Host: defaultHost},
	}

	switch {
	case strings.Contains(path, "?"):
		channelPart, query, _ := strings.Cut(path, "?")
		route.Channel = channelOrMain(channelPart)

		params, err := url.ParseQuery(query)
		if err != nil {
			return types.Route{}, &ParseError{Path: raw, Reason: fmt.Sprintf("malformed query: %v", err)}
		}
		if host := params.Get("host"); host != "" {
			route.Target.Host = host
		}
		// a blank port counts as missing, like a blank host
		if p := params.Get("port"); p != "" {
			port, err := parsePort(raw, p)
			if err != nil {
				return types.Route{}, err
			}
			route.Target.Port = port
		} else {
			route.Target.Port = table.Port(route.Channel)
		}

	case strings.Contains(path, "/"):
		channelPart, hostPort, _ := strings.Cut(path, "/")
		route.Channel = types.ChannelType(channelPart)
		i := strings.LastIndex(hostPort, ":")
		if strings.HasSuffix(hostPort, "]") {
			// bracketed IPv6 host without a port
			i = -1
		}
		if i >= 0 {
			port, err := parsePort(raw, hostPort[i+1:])
			if err != nil {
				return types.Route{}, err
			}
			route.Target.Port = port
			hostPort = hostPort[:i]
		} else {
			route.Target.Port = table.Port(route.Channel)
		}
		hostPort = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		if hostPort != "" {
			route.Target.Host = hostPort
		}

	default:
		route.Channel = channelOrMain(path)
		route.Target.Port = table.Port(route.Channel)
	}

	return route, nil
}
