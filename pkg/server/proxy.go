package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"

	"github.com/spice-ws-proxy/pkg/logging"
	"github.com/spice-ws-proxy/pkg/metrics"
	"github.com/spice-ws-proxy/pkg/proxy"
	"github.com/spice-ws-proxy/pkg/routing"
	"github.com/spice-ws-proxy/pkg/stats"
	"github.com/spice-ws-proxy/pkg/types"
)

// maxCloseReason is the largest close reason that fits a control frame
// (125 byte payload minus the 2 byte code).
const maxCloseReason = 123

// otherChannel labels metrics of channels missing from the channel table,
// which keeps label cardinality bounded when clients send arbitrary names.
const otherChannel = "other"

// upgrade accepts the WebSocket handshake, echoing the client's subprotocols.
func (s *ProxyServer) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := s.upgrader
	upgrader.Subprotocols = websocket.Subprotocols(r)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logUpgradeFailure(r.RemoteAddr, err)
		return nil, err
	}
	return ws, nil
}

// handleChannel relays one WebSocket client to the SPICE channel its path names
func (s *ProxyServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !s.beginHandler() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	ws, err := s.upgrade(w, r)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx := r.Context()
	remote := r.RemoteAddr

	route, err := routing.Resolve(r.RequestURI, s.table, s.cfg.Proxy.SpiceHost)
	if err != nil {
		var pe *routing.ParseError
		reason := err.Error()
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		logging.Warnf("[request] invalid path remote=%s path=%q reason=%s", remote, r.RequestURI, reason)
		s.collector.RecordConnectionFailed(otherChannel, metrics.ReasonParseError)
		closeWebSocket(ws, websocket.CloseProtocolError, "Invalid request path: "+reason)
		return
	}
	channel := s.metricsChannel(route.Channel)

	logging.Debugf("[request][debug] remote=%s path=%q channel=%s target=%s", remote, r.RequestURI, route.Channel, route.Target)

	upstream, err := s.dialer.Dial(ctx, route.Target)
	if err != nil {
		reason := metrics.ReasonDialError
		var de *proxy.DialError
		if errors.As(err, &de) && de.Timeout {
			reason = metrics.ReasonDialTimeout
		}
		logging.Errorf("[proxy] dial failed remote=%s channel=%s target=%s err=%v", remote, route.Channel, route.Target, err)
		s.collector.RecordConnectionFailed(channel, reason)
		closeWebSocket(ws, websocket.CloseGoingAway, err.Error())
		return
	}

	id := types.NewConnectionID(remote, route)
	st := stats.NewConnectionStats()
	if err := s.conns.Insert(id, st); err != nil {
		_ = upstream.Close()
		logging.Warnf("[proxy] rejected remote=%s err=%v", remote, err)
		s.collector.RecordConnectionFailed(channel, metrics.ReasonDuplicateID)
		closeWebSocket(ws, websocket.ClosePolicyViolation, "Duplicate connection")
		return
	}
	s.activeProxies.Add(1)

	logging.Logf("[proxy] relay start id=%s channel=%s target=%s", id, route.Channel, route.Target)

	var (
		dir      proxy.Direction
		relayErr error
	)
	defer func() {
		s.finishRelay(id, channel, upstream, st, dir, relayErr)
		closeAfterRelay(ws, route.Target, relayErr == nil && dir == proxy.DirectionEgress, relayErr)
	}()

	dir, relayErr = s.relay.Run(ctx, id, ws, upstream, st)
}

// finishRelay releases everything a relay held and reports its final stats.
func (s *ProxyServer) finishRelay(id types.ConnectionID, channel string, upstream net.Conn, st *stats.ConnectionStats, dir proxy.Direction, relayErr error) {
	s.conns.Remove(id)
	_ = upstream.Close()
	s.activeProxies.Add(-1)

	snap := st.Snapshot()
	s.collector.UpdateConnectionMetrics(channel, snap)

	if relayErr != nil && !errors.Is(relayErr, context.Canceled) {
		s.collector.RecordConnectionFailed(channel, metrics.ReasonRelayError)
		logging.Errorf("[proxy] relay failed id=%s err=%v", id, relayErr)
	}

	logging.Logf(
		"[proxy] relay done id=%s ended_by=%s bytes_tx=%s bytes_rx=%s messages_tx=%d messages_rx=%d duration=%s throughput_mbps=%.3f",
		id,
		endedBy(dir),
		sizestr.ToString(snap.BytesSent),
		sizestr.ToString(snap.BytesReceived),
		snap.MessagesSent,
		snap.MessagesReceived,
		time.Duration(snap.DurationSeconds*float64(time.Second)).Truncate(time.Millisecond),
		snap.ThroughputMbps,
	)
}

func endedBy(dir proxy.Direction) string {
	if dir == proxy.DirectionNone {
		return "shutdown"
	}
	return string(dir)
}

// closeAfterRelay tells the client why its relay ended. A client that closed
// or vanished gets no close frame, only the socket close.
func closeAfterRelay(ws *websocket.Conn, target types.Target, upstreamClosed bool, relayErr error) {
	var re *proxy.RelayError
	switch {
	case upstreamClosed:
		closeWebSocket(ws, websocket.CloseNormalClosure, "Upstream closed")
	case errors.As(relayErr, &re) && re.Side == proxy.SideTCP:
		closeWebSocket(ws, websocket.CloseGoingAway, fmt.Sprintf("Connection to %s lost", target))
	case errors.Is(relayErr, context.Canceled):
		closeWebSocket(ws, websocket.CloseGoingAway, "Server shutting down")
	}
}

// closeWebSocket sends a close frame; the caller still closes the socket.
func closeWebSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
		logging.Debugf("[proxy][debug] close frame not sent code=%d err=%v", code, err)
	}
}

// truncateReason cuts reason to the control frame limit on a rune boundary.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

func (s *ProxyServer) metricsChannel(ch types.ChannelType) string {
	if _, ok := s.table.Index(ch); ok {
		return string(ch)
	}
	return otherChannel
}

func (s *ProxyServer) logUpgradeFailure(remote string, err error) {
	if !logging.IsDebug() {
		return
	}
	now := time.Now()

	s.upgradeFailLock.Lock()
	defer s.upgradeFailLock.Unlock()

	// Log at most once per 5s; count suppressed events.
	const window = 5 * time.Second
	if !s.upgradeFailLastLogAt.IsZero() && now.Sub(s.upgradeFailLastLogAt) < window {
		s.upgradeFailSuppressed++
		return
	}

	if s.upgradeFailSuppressed > 0 {
		logging.Debugf(
			"[accept][debug] websocket upgrade failed remote=%s err=%v (suppressed=%d in last=%s)",
			remote,
			err,
			s.upgradeFailSuppressed,
			now.Sub(s.upgradeFailLastLogAt).Truncate(time.Second),
		)
	} else {
		logging.Debugf("[accept][debug] websocket upgrade failed remote=%s err=%v", remote, err)
	}

	s.upgradeFailSuppressed = 0
	s.upgradeFailLastLogAt = now
}
