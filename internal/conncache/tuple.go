package conncache

import (
	"fmt"
	"net/netip"
	"strings"
)

// Tuple identifies one connection as observed at this host, after NAT.
// Local is the locally terminating endpoint and Remote is the peer seen on
// the wire.
type Tuple struct {
	Proto  uint8
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Valid reports whether both endpoints are IPv4 with a nonzero remote port.
func (t Tuple) Valid() bool {
	return t.Local.Addr().Is4() && t.Remote.Addr().Is4() && t.Remote.Port() != 0
}

// WildcardLocal returns t with the local address replaced by 0.0.0.0.
func (t Tuple) WildcardLocal() Tuple {
	t.Local = netip.AddrPortFrom(netip.IPv4Unspecified(), t.Local.Port())
	return t
}

func (t Tuple) String() string {
	return fmt.Sprintf("%d %s<-%s", t.Proto, t.Local, t.Remote)
}

// Direction selects which stored endpoint a lookup resolves to.
type Direction uint8

const (
	// Inbound lookups (getpeername, accept, recvfrom) resolve to the
	// original client.
	Inbound Direction = iota
	// Outbound lookups (connect, sendto) resolve to the NAT-level peer the
	// socket really talks to.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// ParseDirection parses "in"/"inbound" or "out"/"outbound".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in", "inbound", "":
		return Inbound, nil
	case "out", "outbound":
		return Outbound, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}
