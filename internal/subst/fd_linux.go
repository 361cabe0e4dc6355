//go:build linux

package subst

import (
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/wire"
)

// FDTuple builds the cache tuple of the socket fd. The protocol comes from
// SO_TYPE and the local address from getsockname. remote is the address
// the intercepted call is about: the kernel-reported peer for inbound
// calls, the application's destination for outbound calls.
func FDTuple(fd int, remote netip.AddrPort) (conncache.Tuple, error) {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return conncache.Tuple{}, fmt.Errorf("subst: getsockopt SO_TYPE: %w", err)
	}
	var proto uint8
	switch typ {
	case unix.SOCK_STREAM:
		proto = wire.ProtoTCP
	case unix.SOCK_DGRAM:
		proto = wire.ProtoUDP
	default:
		return conncache.Tuple{}, fmt.Errorf("socket type %d: %w", typ, ErrSocketType)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return conncache.Tuple{}, fmt.Errorf("subst: getsockname: %w", err)
	}
	local, err := sockaddrAddrPort(sa)
	if err != nil {
		return conncache.Tuple{}, err
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !remote.Addr().Is4() {
		return conncache.Tuple{}, fmt.Errorf("remote %s: %w", remote, ErrNotIPv4)
	}
	return conncache.Tuple{Proto: proto, Local: local, Remote: remote}, nil
}

// ResolveFD resolves the substitute address for socket fd. When remote is
// the zero value it is taken from getpeername.
func (r *Resolver) ResolveFD(fd int, dir conncache.Direction, remote netip.AddrPort) (netip.AddrPort, bool, error) {
	if !remote.IsValid() {
		sa, err := unix.Getpeername(fd)
		if err != nil {
			return netip.AddrPort{}, false, fmt.Errorf("subst: getpeername: %w", err)
		}
		if remote, err = sockaddrAddrPort(sa); err != nil {
			return netip.AddrPort{}, false, err
		}
	}
	t, err := FDTuple(fd, remote)
	if err != nil {
		return netip.AddrPort{}, false, err
	}
	ap, ok := r.Resolve(t, dir)
	return ap, ok, nil
}

// ResolveConn is ResolveFD for a Go socket.
func (r *Resolver) ResolveConn(conn syscall.Conn, dir conncache.Direction, remote netip.AddrPort) (netip.AddrPort, bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, false, fmt.Errorf("subst: syscall conn: %w", err)
	}

	var (
		ap     netip.AddrPort
		ok     bool
		sysErr error
	)
	err = raw.Control(func(fd uintptr) {
		ap, ok, sysErr = r.ResolveFD(int(fd), dir, remote) //nolint:gosec // fd fits in int
	})
	if err != nil {
		return netip.AddrPort{}, false, fmt.Errorf("subst: control: %w", err)
	}
	return ap, ok, sysErr
}

func sockaddrAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil //nolint:gosec // port is 16 bits
	case *unix.SockaddrInet6:
		a := netip.AddrFrom16(v.Addr).Unmap()
		if a.Is4() {
			return netip.AddrPortFrom(a, uint16(v.Port)), nil //nolint:gosec // port is 16 bits
		}
	}
	return netip.AddrPort{}, fmt.Errorf("sockaddr %T: %w", sa, ErrNotIPv4)
}
