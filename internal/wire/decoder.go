package wire

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPv4 is the subset of an IPv4 header the inspector needs.
type IPv4 struct {
	Src       netip.Addr
	Dst       netip.Addr
	Protocol  uint8
	HeaderLen int
	TotalLen  int
	Payload   []byte
}

// TCP is the decoded fixed part of a TCP header.
type TCP struct {
	SrcPort uint16
	DstPort uint16
	SYN     bool
}

// UDP is the decoded UDP header.
type UDP struct {
	SrcPort uint16
	DstPort uint16
}

// Decoder holds preallocated gopacket layers so decoding allocates little
// on the packet path. A Decoder is not safe for concurrent use; callers keep
// one per goroutine or pool them.
type Decoder struct {
	kind uint8

	ip4  layers.IPv4
	tcp  layers.TCP
	udp  layers.UDP
	icmp layers.ICMPv4
}

// NewDecoder returns a Decoder that recognizes options of the given kind.
func NewDecoder(kind uint8) *Decoder {
	return &Decoder{kind: kind}
}

// OptionKind returns the option kind this decoder recognizes.
func (d *Decoder) OptionKind() uint8 { return d.kind }

// IPv4 decodes the network header of b.
func (d *Decoder) IPv4(b []byte) (IPv4, error) {
	if len(b) < ipv4HeaderLen {
		return IPv4{}, fmt.Errorf("ip header %d bytes: %w", len(b), ErrTruncated)
	}
	if b[0]>>4 != 4 {
		return IPv4{}, ErrNotIPv4
	}
	if err := d.ip4.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return IPv4{}, fmt.Errorf("ip header: %v: %w", err, ErrMalformed)
	}
	src, ok1 := netip.AddrFromSlice(d.ip4.SrcIP)
	dst, ok2 := netip.AddrFromSlice(d.ip4.DstIP)
	if !ok1 || !ok2 {
		return IPv4{}, fmt.Errorf("ip addresses: %w", ErrMalformed)
	}
	return IPv4{
		Src:       src.Unmap(),
		Dst:       dst.Unmap(),
		Protocol:  uint8(d.ip4.Protocol),
		HeaderLen: int(d.ip4.IHL) * 4,
		TotalLen:  int(d.ip4.Length),
		Payload:   d.ip4.Payload,
	}, nil
}

// TCP decodes a TCP header, including its option list. The options stay
// in the decoder until the next call and are read with Option.
func (d *Decoder) TCP(b []byte) (TCP, error) {
	if err := d.tcp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return TCP{}, fmt.Errorf("tcp header: %v: %w", err, ErrTruncated)
	}
	return TCP{
		SrcPort: uint16(d.tcp.SrcPort),
		DstPort: uint16(d.tcp.DstPort),
		SYN:     d.tcp.SYN,
	}, nil
}

// Option returns the client endpoint carried by the last decoded TCP
// header. Only an option of the configured kind with exactly OptionLen
// bytes is accepted.
func (d *Decoder) Option() (netip.AddrPort, error) {
	for i := range d.tcp.Options {
		opt := &d.tcp.Options[i]
		if uint8(opt.OptionType) != d.kind {
			continue
		}
		if int(opt.OptionLength) != OptionLen || len(opt.OptionData) != OptionLen-2 {
			return netip.AddrPort{}, fmt.Errorf("tcp option length %d: %w", opt.OptionLength, ErrOptionSize)
		}
		return decodeOptionBody(opt.OptionData), nil
	}
	return netip.AddrPort{}, ErrNoOption
}

// UDP decodes a UDP header.
func (d *Decoder) UDP(b []byte) (UDP, error) {
	if err := d.udp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return UDP{}, fmt.Errorf("udp header: %v: %w", err, ErrTruncated)
	}
	return UDP{
		SrcPort: uint16(d.udp.SrcPort),
		DstPort: uint16(d.udp.DstPort),
	}, nil
}

// Probe decodes an ICMP address probe from a decoded IPv4 packet. The
// packet must be an echo request with the sentinel identifier and
// sequence, and its total length must be exactly ProbeTotalLen.
func (d *Decoder) Probe(ip IPv4) (Probe, error) {
	if ip.Protocol != ProtoICMP {
		return Probe{}, ErrNotProbe
	}
	if ip.HeaderLen != ipv4HeaderLen || ip.TotalLen != ProbeTotalLen {
		return Probe{}, fmt.Errorf("probe total length %d, want %d: %w", ip.TotalLen, ProbeTotalLen, ErrNotProbe)
	}
	if err := d.icmp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return Probe{}, fmt.Errorf("icmp header: %v: %w", err, ErrTruncated)
	}
	if d.icmp.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0) {
		return Probe{}, fmt.Errorf("icmp %s: %w", d.icmp.TypeCode, ErrNotProbe)
	}
	if d.icmp.Id != ProbeEchoID || d.icmp.Seq != ProbeEchoSeq {
		return Probe{}, fmt.Errorf("echo id 0x%04x seq %d: %w", d.icmp.Id, d.icmp.Seq, ErrProbeMagic)
	}
	return DecodeProbe(d.icmp.Payload, d.kind)
}
