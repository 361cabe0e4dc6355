/*
Package wire decodes the in-band client address a full-NAT load balancer
embeds in inbound traffic.

Two carriers are recognized:

  - a TCP option of a fixed kind and a fixed length of 8 bytes,
    laid out as kind(1) len(1) port(2) addr(4);
  - an ICMP echo request probe whose body carries a magic code, the
    transport protocol, the NAT-level ports, and a copy of the same
    option.

All decoding is bounds-checked. A packet that does not carry a well-formed
address is rejected with one of the sentinel errors below; rejections are
never fatal to the caller.
*/
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Option layout constants.
const (
	// DefaultOptionKind is the TCP option kind used when none is configured.
	DefaultOptionKind uint8 = 0xB1
	// OptionLen is the exact on-wire size of the address option, kind and
	// length bytes included.
	OptionLen = 8
)

// Probe layout constants.
const (
	// ProbeEchoID and ProbeEchoSeq are the sentinel echo identifier and
	// sequence number carried by a probe.
	ProbeEchoID  uint16 = 0x1234
	ProbeEchoSeq uint16 = 0

	// ProbeMagic is the first byte of the probe body.
	ProbeMagic uint8 = 123

	// ProbeLen is the size of the probe body:
	// magic(1) proto(1) sport(2) dport(2) option(8).
	ProbeLen = 6 + OptionLen

	// ProbeTotalLen is the exact IP total length of a probe packet.
	ProbeTotalLen = ipv4HeaderLen + icmpHeaderLen + ProbeLen

	ipv4HeaderLen = 20
	icmpHeaderLen = 8
)

// IP protocol numbers handled by this package.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Rejection reasons. Callers classify them with errors.Is.
var (
	ErrTruncated   = errors.New("truncated packet")
	ErrNotIPv4     = errors.New("not an IPv4 packet")
	ErrMalformed   = errors.New("malformed header")
	ErrNoOption    = errors.New("address option not present")
	ErrOptionSize  = errors.New("address option size mismatch")
	ErrNotProbe    = errors.New("not an address probe")
	ErrProbeMagic  = errors.New("probe magic mismatch")
	ErrUnsupported = errors.New("unsupported address family")
)

// ProtoName returns a short human-readable name for an IP protocol number.
func ProtoName(proto uint8) string {
	switch proto {
	case 0:
		return "IP"
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("IP_%d", proto)
	}
}

// ParseProto maps a protocol name ("tcp", "udp", "icmp", case-insensitive)
// to its protocol number.
func ParseProto(name string) (uint8, error) {
	switch strings.ToLower(name) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
}
