package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Probe is the decoded body of an ICMP address probe. SrcPort and DstPort
// are the NAT-level ports of the connection the probe announces.
type Probe struct {
	Proto   uint8
	SrcPort uint16
	DstPort uint16
	Client  netip.AddrPort
}

// DecodeProbe decodes a probe body (the ICMP echo payload).
func DecodeProbe(b []byte, kind uint8) (Probe, error) {
	if len(b) < ProbeLen {
		return Probe{}, fmt.Errorf("probe body %d bytes: %w", len(b), ErrTruncated)
	}
	if b[0] != ProbeMagic {
		return Probe{}, fmt.Errorf("probe code %d: %w", b[0], ErrProbeMagic)
	}
	opt := b[6:ProbeLen]
	if opt[0] != kind || int(opt[1]) != OptionLen {
		return Probe{}, fmt.Errorf("probe option kind %d len %d: %w", opt[0], opt[1], ErrProbeMagic)
	}
	return Probe{
		Proto:   b[1],
		SrcPort: binary.BigEndian.Uint16(b[2:4]),
		DstPort: binary.BigEndian.Uint16(b[4:6]),
		Client:  decodeOptionBody(opt[2:]),
	}, nil
}

// Marshal encodes the probe body.
func (p Probe) Marshal(kind uint8) ([]byte, error) {
	b := make([]byte, 0, ProbeLen)
	b = append(b, ProbeMagic, p.Proto)
	b = binary.BigEndian.AppendUint16(b, p.SrcPort)
	b = binary.BigEndian.AppendUint16(b, p.DstPort)
	return AppendOption(b, kind, p.Client)
}

// BuildProbePacket serializes a complete IPv4 probe packet from src to dst,
// with checksums computed.
func BuildProbePacket(src, dst netip.Addr, p Probe, kind uint8) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("build probe %s -> %s: %w", src, dst, ErrUnsupported)
	}
	body, err := p.Marshal(kind)
	if err != nil {
		return nil, err
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       ProbeEchoID,
		Seq:      ProbeEchoSeq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("serialize probe: %w", err)
	}
	return buf.Bytes(), nil
}
