//go:build !linux

package subst

import (
	"fmt"
	"net/netip"
	"runtime"
	"syscall"

	"github.com/ushineko/natpeer/internal/conncache"
)

// ResolveFD is not supported on this platform.
func (r *Resolver) ResolveFD(_ int, _ conncache.Direction, _ netip.AddrPort) (netip.AddrPort, bool, error) {
	return netip.AddrPort{}, false, fmt.Errorf("subst: fd resolution not supported on %s", runtime.GOOS)
}

// ResolveConn is not supported on this platform.
func (r *Resolver) ResolveConn(_ syscall.Conn, _ conncache.Direction, _ netip.AddrPort) (netip.AddrPort, bool, error) {
	return netip.AddrPort{}, false, fmt.Errorf("subst: fd resolution not supported on %s", runtime.GOOS)
}
