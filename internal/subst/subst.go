// Package subst answers the question socket interception glue asks: what
// is the real peer of this socket?
package subst

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/stats"
	"github.com/ushineko/natpeer/internal/wire"
)

var (
	// ErrNotIPv4 is returned for sockets outside the supported family.
	ErrNotIPv4 = errors.New("subst: not an IPv4 endpoint")
	// ErrSocketType is returned for sockets that are neither stream nor datagram.
	ErrSocketType = errors.New("subst: unsupported socket type")
)

// Resolver looks up substitute addresses in the connection cache.
type Resolver struct {
	cache *conncache.Cache
	stats *stats.Collector
}

// New returns a Resolver over cache. st may be nil.
func New(cache *conncache.Cache, st *stats.Collector) *Resolver {
	return &Resolver{cache: cache, stats: st}
}

// Resolve returns the substitute address for a socket identified by t.
// Inbound yields the original client that the socket's remote address
// stands for. Outbound takes t.Remote as the original client the
// application believes it talks to and yields the NAT-level peer the
// traffic must really be sent to.
func (r *Resolver) Resolve(t conncache.Tuple, dir conncache.Direction) (netip.AddrPort, bool) {
	h, ok := r.cache.Lookup(t, dir)
	if r.stats != nil {
		r.stats.RecordLookup(ok)
	}
	if !ok {
		return netip.AddrPort{}, false
	}
	defer h.Release()
	return h.Addr(dir), true
}

// PeerAddr returns the original client of an accepted connection. It
// reports false when the connection is not tracked.
func (r *Resolver) PeerAddr(conn net.Conn) (netip.AddrPort, bool) {
	t, err := ConnTuple(conn)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return r.Resolve(t, conncache.Inbound)
}

// ConnTuple derives the cache tuple of conn from its local and remote
// addresses.
func ConnTuple(conn net.Conn) (conncache.Tuple, error) {
	var proto uint8
	switch conn.LocalAddr().(type) {
	case *net.TCPAddr:
		proto = wire.ProtoTCP
	case *net.UDPAddr:
		proto = wire.ProtoUDP
	default:
		return conncache.Tuple{}, fmt.Errorf("%s connection: %w", conn.LocalAddr().Network(), ErrSocketType)
	}
	local, err := AddrPort(conn.LocalAddr())
	if err != nil {
		return conncache.Tuple{}, err
	}
	remote, err := AddrPort(conn.RemoteAddr())
	if err != nil {
		return conncache.Tuple{}, err
	}
	return conncache.Tuple{Proto: proto, Local: local, Remote: remote}, nil
}

// AddrPort converts a TCP or UDP address to an unmapped IPv4 AddrPort.
func AddrPort(a net.Addr) (netip.AddrPort, error) {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		if a == nil {
			return netip.AddrPort{}, ErrNotIPv4
		}
		p, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%s: %w", a, ErrNotIPv4)
		}
		ap = p
	}
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	if !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("%s: %w", ap, ErrNotIPv4)
	}
	return ap, nil
}
