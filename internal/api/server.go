/*
Package api implements the management and resolve HTTP API of natpeerd.

The API is served on a unix socket for local socket-interception glue and,
optionally, on a TCP address. All endpoints live under a path prefix
(default /natpeer):

	GET {prefix}/resolve?proto=tcp&local=IP:PORT&remote=IP:PORT&dir=in
	GET {prefix}/heartbeat
	GET {prefix}/stats
	GET {prefix}/conns
	GET {prefix}/events   (websocket)
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/events"
	"github.com/ushineko/natpeer/internal/subst"
)

// DefaultPathPrefix is used when Config.PathPrefix is empty.
const DefaultPathPrefix = "/natpeer"

// ErrNoListeners is returned when neither a socket nor a TCP address is set.
var ErrNoListeners = errors.New("api: no socket or listen address configured")

// Config holds API server configuration.
type Config struct {
	// Socket is the unix socket path. Empty disables the socket.
	Socket string
	// Listen is an optional TCP address (e.g., "127.0.0.1:9180").
	Listen string
	// PathPrefix is the URL path prefix for all endpoints. Empty uses "/natpeer".
	PathPrefix string
	// ReadHeaderTimeout is the timeout for reading request headers. Zero uses the default (10s).
	ReadHeaderTimeout time.Duration
	// Logger is the structured logger to use. If nil, a default is used.
	Logger *slog.Logger

	// Resolver answers /resolve. Required.
	Resolver *subst.Resolver
	// Cache backs /conns. If nil, /conns returns 404.
	Cache *conncache.Cache
	// Events backs the /events stream. If nil, /events returns 404.
	Events *events.Buffer
	// HeartbeatHandler handles /heartbeat requests. If nil, returns 404.
	HeartbeatHandler http.HandlerFunc
	// StatsHandler handles /stats requests. If nil, returns 404.
	StatsHandler http.HandlerFunc
}

// Server serves the API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	socket     string
	listen     string
	prefix     string

	resolver *subst.Resolver
	cache    *conncache.Cache
	events   *events.Buffer

	heartbeatHandler http.HandlerFunc
	statsHandler     http.HandlerFunc

	// Request counters.
	requestsTotal  atomic.Int64
	requestsActive atomic.Int64

	// baseCtx is canceled on shutdown so hijacked websocket handlers stop.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener

	shutdownOnce sync.Once
}

// New creates a new API server with the given configuration.
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	prefix := strings.TrimSuffix(cfg.PathPrefix, "/")
	if prefix == "" {
		prefix = DefaultPathPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:           cfg.Logger,
		socket:           cfg.Socket,
		listen:           cfg.Listen,
		prefix:           prefix,
		resolver:         cfg.Resolver,
		cache:            cfg.Cache,
		events:           cfg.Events,
		heartbeatHandler: cfg.HeartbeatHandler,
		statsHandler:     cfg.StatsHandler,
		baseCtx:          ctx,
		baseCancel:       cancel,
	}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	return s
}

// ServeHTTP dispatches requests under the path prefix to the endpoint
// handlers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Add(1)
	s.requestsActive.Add(1)
	defer s.requestsActive.Add(-1)

	if !strings.HasPrefix(r.URL.Path, s.prefix+"/") {
		http.NotFound(w, r)
		return
	}
	s.handleManagement(w, r)
}

// Listen opens the configured listeners. The socket's parent directory is
// created and a stale socket file is replaced.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.socket != "" {
		l, err := listenUnix(s.socket)
		if err != nil {
			s.closeListenersLocked()
			return err
		}
		s.listeners = append(s.listeners, l)
	}
	if s.listen != "" {
		l, err := net.Listen("tcp", s.listen)
		if err != nil {
			s.closeListenersLocked()
			return fmt.Errorf("api: listen %s: %w", s.listen, err)
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		return ErrNoListeners
	}
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("api: socket dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode().Type() != fs.ModeSocket {
			return nil, fmt.Errorf("api: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("api: remove stale socket: %w", err)
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("api: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil { //nolint:gosec // group-writable socket for glue processes
		_ = l.Close()
		return nil, fmt.Errorf("api: chmod socket: %w", err)
	}
	return l, nil
}

func (s *Server) closeListenersLocked() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.listeners = nil
}

// Addrs returns the addresses of the open listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		out[i] = l.Addr()
	}
	return out
}

// Serve serves on the listeners opened by Listen until Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return ErrNoListeners
	}

	var g errgroup.Group
	for _, l := range listeners {
		s.logger.Info("api listening", "network", l.Addr().Network(), "addr", l.Addr().String(), "prefix", s.prefix)
		g.Go(func() error {
			if err := s.httpServer.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api: serve %s: %w", l.Addr(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("api shutting down")
		s.baseCancel()
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// RequestsTotal returns the total number of requests handled.
func (s *Server) RequestsTotal() int64 {
	return s.requestsTotal.Load()
}

// RequestsActive returns the number of requests in flight.
func (s *Server) RequestsActive() int64 {
	return s.requestsActive.Load()
}

// SetHandlers replaces the heartbeat and stats handlers after construction.
func (s *Server) SetHandlers(heartbeat, stats http.HandlerFunc) {
	s.heartbeatHandler = heartbeat
	s.statsHandler = stats
}
