// Package testutil builds IPv4 packets for tests.
package testutil

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ushineko/natpeer/internal/wire"
)

// AddrOption returns a TCP option of the given kind carrying client.
func AddrOption(kind uint8, client netip.AddrPort) layers.TCPOption {
	a := client.Addr().As4()
	return layers.TCPOption{
		OptionType:   layers.TCPOptionKind(kind),
		OptionLength: wire.OptionLen,
		OptionData:   []byte{byte(client.Port() >> 8), byte(client.Port()), a[0], a[1], a[2], a[3]},
	}
}

// TCPSyn builds a SYN from src to dst with the given options.
func TCPSyn(t testing.TB, src, dst netip.AddrPort, opts ...layers.TCPOption) []byte {
	t.Helper()
	return TCP(t, src, dst, &layers.TCP{SYN: true, Window: 65535, Options: opts})
}

// TCP builds a segment from src to dst using tcp for flags and options.
// Ports are taken from src and dst.
func TCP(t testing.TB, src, dst netip.AddrPort, tcp *layers.TCP) []byte {
	t.Helper()
	ip := ipv4(src.Addr(), dst.Addr(), layers.IPProtocolTCP)
	tcp.SrcPort = layers.TCPPort(src.Port())
	tcp.DstPort = layers.TCPPort(dst.Port())
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	return serialize(t, ip, tcp)
}

// UDP builds a datagram from src to dst.
func UDP(t testing.TB, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	ip := ipv4(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

// Probe builds an ICMP address probe from src to dst.
func Probe(t testing.TB, src, dst netip.Addr, p wire.Probe) []byte {
	t.Helper()
	b, err := wire.BuildProbePacket(src, dst, p, wire.DefaultOptionKind)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// Echo builds an ICMP echo request with an arbitrary identifier, sequence
// and body.
func Echo(t testing.TB, src, dst netip.Addr, id, seq uint16, body []byte) []byte {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(t, ip, icmp, gopacket.Payload(body))
}

func ipv4(src, dst netip.Addr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
}

func serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
