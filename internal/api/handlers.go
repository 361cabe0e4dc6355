package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/wire"
)

// ResolveResponse is the JSON body of /resolve.
type ResolveResponse struct {
	Substitute bool   `json:"substitute"`
	Addr       string `json:"addr,omitempty"`
}

// ConnsResponse is the JSON body of /conns.
type ConnsResponse struct {
	Count    int              `json:"count"`
	Capacity int              `json:"capacity"`
	Conns    []conncache.Info `json:"conns"`
}

// handleManagement routes requests under the path prefix to the
// appropriate endpoint.
func (s *Server) handleManagement(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case s.prefix + "/resolve":
		s.handleResolve(w, r)
	case s.prefix + "/heartbeat":
		serveOptional(w, r, s.heartbeatHandler)
	case s.prefix + "/stats":
		serveOptional(w, r, s.statsHandler)
	case s.prefix + "/conns":
		s.handleConns(w, r)
	case s.prefix + "/events":
		s.handleEvents(w, r)
	default:
		http.NotFound(w, r)
	}
}

func serveOptional(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

// handleResolve answers whether a socket's address must be substituted.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	t, dir, err := parseResolveQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	addr, ok := s.resolver.Resolve(t, dir)
	resp := ResolveResponse{Substitute: ok}
	if ok {
		resp.Addr = addr.String()
	}
	s.logger.Debug("resolve",
		"tuple", t.String(),
		"dir", dir.String(),
		"substitute", ok,
		"addr", resp.Addr,
	)
	writeJSON(w, http.StatusOK, resp)
}

// parseResolveQuery validates the resolve parameters. proto defaults to
// tcp and dir to in.
func parseResolveQuery(q url.Values) (conncache.Tuple, conncache.Direction, error) {
	proto := wire.ProtoTCP
	if p := q.Get("proto"); p != "" {
		var err error
		if proto, err = wire.ParseProto(p); err != nil {
			return conncache.Tuple{}, 0, err
		}
		if proto != wire.ProtoTCP && proto != wire.ProtoUDP {
			return conncache.Tuple{}, 0, fmt.Errorf("proto %q: only tcp and udp are tracked", p)
		}
	}
	local, err := parseEndpoint("local", q.Get("local"))
	if err != nil {
		return conncache.Tuple{}, 0, err
	}
	remote, err := parseEndpoint("remote", q.Get("remote"))
	if err != nil {
		return conncache.Tuple{}, 0, err
	}
	dir, err := conncache.ParseDirection(q.Get("dir"))
	if err != nil {
		return conncache.Tuple{}, 0, err
	}
	return conncache.Tuple{Proto: proto, Local: local, Remote: remote}, dir, nil
}

func parseEndpoint(name, s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("missing %s", name)
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	if !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("invalid %s: %s is not IPv4", name, s)
	}
	return ap, nil
}

// handleConns returns a snapshot of the connection cache.
func (s *Server) handleConns(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.NotFound(w, r)
		return
	}
	conns := s.cache.Snapshot()
	if conns == nil {
		conns = []conncache.Info{}
	}
	writeJSON(w, http.StatusOK, ConnsResponse{
		Count:    len(conns),
		Capacity: s.cache.Cap(),
		Conns:    conns,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
