package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/spice-ws-proxy/pkg/logging"
	"github.com/spice-ws-proxy/pkg/stats"
)

// handleStats streams the registry to a client until it disconnects
func (s *ProxyServer) handleStats(w http.ResponseWriter, r *http.Request) {
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

	remote := r.RemoteAddr
	if r.URL.Path != "/" && r.URL.Path != "/stats" {
		logging.Warnf("[stats] invalid path remote=%s path=%q", remote, r.URL.Path)
		closeWebSocket(ws, websocket.CloseProtocolError, "Invalid stats path")
		return
	}

	s.collector.IncStatsSubscribers()
	defer s.collector.DecStatsSubscribers()
	logging.Logf("[stats] subscriber connected remote=%s", remote)

	// The client never sends anything useful; reading is how a disconnect is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = ws.UnderlyingConn().SetReadDeadline(time.Now())
		<-gone
	}()

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.GetStatsInterval())
	defer ticker.Stop()
	for {
		if err := s.pushStats(ws); err != nil {
			logging.Debugf("[stats][debug] subscriber gone remote=%s err=%v", remote, err)
			return
		}
		select {
		case <-ctx.Done():
			closeWebSocket(ws, websocket.CloseGoingAway, "Server shutting down")
			return
		case <-gone:
			logging.Logf("[stats] subscriber disconnected remote=%s", remote)
			return
		case <-ticker.C:
		}
	}
}

// pushStats sends one snapshot. Serialization failures are logged and skipped;
// only a failed write is returned.
func (s *ProxyServer) pushStats(ws *websocket.Conn) error {
	msg := stats.NewMessage(s.conns, s.ActiveProxies(), time.Now())
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Errorf("[stats] encode failed err=%v", err)
		return nil
	}
	if err := ws.SetWriteDeadline(time.Now().Add(s.cfg.GetStatsInterval() + closeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(ws.WriteMessage(websocket.TextMessage, data), "write stats")
}
