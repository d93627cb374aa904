package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/spice-ws-proxy/pkg/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Endpoint is one bound listener of the listener set
type Endpoint struct {
	Name     string
	Listener net.Listener
	handler  http.Handler
}

// ListenerSet holds every bound endpoint: one per channel in table order,
// then the stats endpoint.
type ListenerSet struct {
	Channels []Endpoint
	Stats    Endpoint
}

func (ls *ListenerSet) all() []Endpoint {
	out := make([]Endpoint, 0, len(ls.Channels)+1)
	out = append(out, ls.Channels...)
	return append(out, ls.Stats)
}

// Close closes every bound listener
func (ls *ListenerSet) Close() {
	for _, ep := range ls.all() {
		if ep.Listener != nil {
			_ = ep.Listener.Close()
		}
	}
}

// Bind binds channel endpoint i at BindHost:(BasePort+i) and the stats
// endpoint at BindHost:(BasePort+999). Nothing is served yet; on any bind
// failure the already bound listeners are closed.
func (s *ProxyServer) Bind() (*ListenerSet, error) {
	set := &ListenerSet{}
	host := s.cfg.Proxy.BindHost

	listen := func(name string, port int, handler http.Handler) (Endpoint, error) {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return Endpoint{}, errors.Wrapf(err, "bind %s endpoint on %s", name, addr)
		}
		return Endpoint{Name: name, Listener: l, handler: handler}, nil
	}

	channelHandler := http.HandlerFunc(s.handleChannel)
	for i, entry := range s.table.Entries() {
		ep, err := listen(entry.Name, s.cfg.Proxy.BasePort+i, channelHandler)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.Channels = append(set.Channels, ep)
	}

	ep, err := listen("stats", s.cfg.StatsPort(), http.HandlerFunc(s.handleStats))
	if err != nil {
		set.Close()
		return nil, err
	}
	set.Stats = ep

	return set, nil
}

// Serve serves every endpoint of set until ctx is cancelled or one of them
// fails, then shuts all of them down and waits for running relays to finish.
func (s *ProxyServer) Serve(ctx context.Context, set *ListenerSet) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoints := set.all()
	servers := make([]*http.Server, 0, len(endpoints))
	errCh := make(chan error, len(endpoints))

	for _, ep := range endpoints {
		srv := &http.Server{
			Handler:           ep.handler,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		servers = append(servers, srv)

		logging.Logf("[listen] %s addr=%s", ep.Name, ep.Listener.Addr())
		go func(ep Endpoint) {
			if err := srv.Serve(ep.Listener); err != nil && err != http.ErrServerClosed {
				errCh <- errors.Wrapf(err, "serve %s endpoint", ep.Name)
			}
		}(ep)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logging.Errorf("[listen] %v", serveErr)
	}

	// Hijacked relays are stopped through ctx, not by Shutdown.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.waitHandlers()

	logging.Logf("[listen] all endpoints stopped")
	return serveErr
}

// beginHandler registers a running handler. It reports false once the
// server has started waiting for handlers to finish.
func (s *ProxyServer) beginHandler() bool {
	s.closingLock.Lock()
	defer s.closingLock.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

// waitHandlers refuses new handlers and waits for the running ones
func (s *ProxyServer) waitHandlers() {
	s.closingLock.Lock()
	s.closing = true
	s.closingLock.Unlock()
	s.handlers.Wait()
}

// ListenAndServe binds the whole listener set, then serves it until ctx is
// cancelled. A bind error is returned before anything is served.
func (s *ProxyServer) ListenAndServe(ctx context.Context) error {
	set, err := s.Bind()
	if err != nil {
		return err
	}
	return s.Serve(ctx, set)
}
