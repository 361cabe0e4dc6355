package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// DecodeOption decodes a complete address option (kind and length bytes
// included) and returns the embedded client endpoint.
func DecodeOption(b []byte, kind uint8) (netip.AddrPort, error) {
	if len(b) < 2 {
		return netip.AddrPort{}, fmt.Errorf("option header: %w", ErrTruncated)
	}
	if b[0] != kind {
		return netip.AddrPort{}, ErrNoOption
	}
	if int(b[1]) != OptionLen {
		return netip.AddrPort{}, fmt.Errorf("option length %d, want %d: %w", b[1], OptionLen, ErrOptionSize)
	}
	if len(b) < OptionLen {
		return netip.AddrPort{}, fmt.Errorf("option body: %w", ErrTruncated)
	}
	return decodeOptionBody(b[2:OptionLen]), nil
}

// decodeOptionBody reads port(2) addr(4). len(b) must be OptionLen-2.
func decodeOptionBody(b []byte) netip.AddrPort {
	port := binary.BigEndian.Uint16(b[0:2])
	addr := netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]})
	return netip.AddrPortFrom(addr, port)
}

// AppendOption appends the on-wire encoding of an address option for ap.
func AppendOption(dst []byte, kind uint8, ap netip.AddrPort) ([]byte, error) {
	if !ap.Addr().Is4() {
		return dst, fmt.Errorf("encode option %s: %w", ap, ErrUnsupported)
	}
	a := ap.Addr().As4()
	dst = append(dst, kind, OptionLen)
	dst = binary.BigEndian.AppendUint16(dst, ap.Port())
	return append(dst, a[:]...), nil
}
