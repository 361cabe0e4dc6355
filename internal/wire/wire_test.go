package wire_test

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/natpeer/internal/testutil"
	"github.com/ushineko/natpeer/internal/wire"
)

func TestDecodeOption(t *testing.T) {
	client := netip.MustParseAddrPort("1.2.3.4:5555")
	good, err := wire.AppendOption(nil, wire.DefaultOptionKind, client)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB1, 8, 0x15, 0xB3, 1, 2, 3, 4}, good)

	tests := []struct {
		name    string
		in      []byte
		want    netip.AddrPort
		wantErr error
	}{
		{name: "valid", in: good, want: client},
		{name: "empty", in: nil, wantErr: wire.ErrTruncated},
		{name: "other kind", in: []byte{0x02, 4, 0x05, 0xb4}, wantErr: wire.ErrNoOption},
		{name: "wrong length", in: []byte{0xB1, 10, 0, 0, 0, 0, 0, 0, 0, 0}, wantErr: wire.ErrOptionSize},
		{name: "short body", in: good[:5], wantErr: wire.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wire.DecodeOption(tt.in, wire.DefaultOptionKind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppendOption_RejectsIPv6(t *testing.T) {
	_, err := wire.AppendOption(nil, wire.DefaultOptionKind, netip.MustParseAddrPort("[::1]:80"))
	assert.ErrorIs(t, err, wire.ErrUnsupported)
}

func TestDecoder_TCPOption(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.1:40000")
	dst := netip.MustParseAddrPort("10.0.0.2:80")
	client := netip.MustParseAddrPort("1.2.3.4:5555")

	tests := []struct {
		name    string
		opts    []layers.TCPOption
		want    netip.AddrPort
		wantErr error
	}{
		{
			name: "option present",
			opts: []layers.TCPOption{
				{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
				testutil.AddrOption(wire.DefaultOptionKind, client),
			},
			want: client,
		},
		{
			name:    "no options",
			wantErr: wire.ErrNoOption,
		},
		{
			name: "other option only",
			opts: []layers.TCPOption{
				{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			},
			wantErr: wire.ErrNoOption,
		},
		{
			name: "wrong length",
			opts: []layers.TCPOption{
				{OptionType: layers.TCPOptionKind(wire.DefaultOptionKind), OptionLength: 6, OptionData: []byte{0, 80, 1, 2}},
			},
			wantErr: wire.ErrOptionSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := wire.NewDecoder(wire.DefaultOptionKind)
			ip, err := d.IPv4(testutil.TCPSyn(t, src, dst, tt.opts...))
			require.NoError(t, err)
			assert.Equal(t, wire.ProtoTCP, ip.Protocol)
			assert.Equal(t, src.Addr(), ip.Src)
			assert.Equal(t, dst.Addr(), ip.Dst)

			hdr, err := d.TCP(ip.Payload)
			require.NoError(t, err)
			assert.Equal(t, src.Port(), hdr.SrcPort)
			assert.Equal(t, dst.Port(), hdr.DstPort)
			assert.True(t, hdr.SYN)

			got, err := d.Option()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoder_CustomKind(t *testing.T) {
	client := netip.MustParseAddrPort("1.2.3.4:5555")
	pkt := testutil.TCPSyn(t,
		netip.MustParseAddrPort("10.0.0.1:40000"),
		netip.MustParseAddrPort("10.0.0.2:80"),
		testutil.AddrOption(254, client),
	)

	d := wire.NewDecoder(wire.DefaultOptionKind)
	ip, err := d.IPv4(pkt)
	require.NoError(t, err)
	_, err = d.TCP(ip.Payload)
	require.NoError(t, err)
	_, err = d.Option()
	assert.ErrorIs(t, err, wire.ErrNoOption)

	d = wire.NewDecoder(254)
	ip, err = d.IPv4(pkt)
	require.NoError(t, err)
	_, err = d.TCP(ip.Payload)
	require.NoError(t, err)
	got, err := d.Option()
	require.NoError(t, err)
	assert.Equal(t, client, got)
}

func TestDecoder_IPv4Rejects(t *testing.T) {
	d := wire.NewDecoder(wire.DefaultOptionKind)

	_, err := d.IPv4([]byte{0x45, 0})
	assert.ErrorIs(t, err, wire.ErrTruncated)

	v6 := make([]byte, 40)
	v6[0] = 0x60
	_, err = d.IPv4(v6)
	assert.ErrorIs(t, err, wire.ErrNotIPv4)

	bad := make([]byte, 20)
	bad[0] = 0x43 // IHL below minimum
	_, err = d.IPv4(bad)
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecoder_TCPTruncated(t *testing.T) {
	d := wire.NewDecoder(wire.DefaultOptionKind)
	_, err := d.TCP([]byte{0, 80, 0, 80})
	assert.ErrorIs(t, err, wire.ErrTruncated)
}

func TestDecoder_UDP(t *testing.T) {
	d := wire.NewDecoder(wire.DefaultOptionKind)
	got, err := d.UDP([]byte{0x9c, 0x40, 0x00, 0x35, 0, 8, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, wire.UDP{SrcPort: 40000, DstPort: 53}, got)

	_, err = d.UDP([]byte{0, 1})
	assert.ErrorIs(t, err, wire.ErrTruncated)
}

func TestProbe_RoundTrip(t *testing.T) {
	p := wire.Probe{
		Proto:   wire.ProtoTCP,
		SrcPort: 40000,
		DstPort: 80,
		Client:  netip.MustParseAddrPort("1.2.3.4:5555"),
	}
	pkt, err := wire.BuildProbePacket(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), p, wire.DefaultOptionKind)
	require.NoError(t, err)
	require.Len(t, pkt, wire.ProbeTotalLen)

	d := wire.NewDecoder(wire.DefaultOptionKind)
	ip, err := d.IPv4(pkt)
	require.NoError(t, err)
	assert.Equal(t, wire.ProtoICMP, ip.Protocol)
	assert.Equal(t, wire.ProbeTotalLen, ip.TotalLen)

	got, err := d.Probe(ip)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProbe_Rejects(t *testing.T) {
	p := wire.Probe{
		Proto:   wire.ProtoTCP,
		SrcPort: 40000,
		DstPort: 80,
		Client:  netip.MustParseAddrPort("1.2.3.4:5555"),
	}
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	t.Run("magic mismatch", func(t *testing.T) {
		body, err := p.Marshal(wire.DefaultOptionKind)
		require.NoError(t, err)
		body[0] = 99
		_, err = wire.DecodeProbe(body, wire.DefaultOptionKind)
		assert.ErrorIs(t, err, wire.ErrProbeMagic)
	})

	t.Run("option kind mismatch", func(t *testing.T) {
		body, err := p.Marshal(wire.DefaultOptionKind)
		require.NoError(t, err)
		_, err = wire.DecodeProbe(body, 254)
		assert.ErrorIs(t, err, wire.ErrProbeMagic)
	})

	t.Run("short body", func(t *testing.T) {
		_, err := wire.DecodeProbe([]byte{wire.ProbeMagic, 6}, wire.DefaultOptionKind)
		assert.ErrorIs(t, err, wire.ErrTruncated)
	})

	t.Run("wrong echo id", func(t *testing.T) {
		body, err := p.Marshal(wire.DefaultOptionKind)
		require.NoError(t, err)
		pkt := testutil.Echo(t, src, dst, 0x4321, 0, body)
		d := wire.NewDecoder(wire.DefaultOptionKind)
		ip, err := d.IPv4(pkt)
		require.NoError(t, err)
		_, err = d.Probe(ip)
		assert.ErrorIs(t, err, wire.ErrProbeMagic)
	})

	t.Run("wrong total length", func(t *testing.T) {
		body, err := p.Marshal(wire.DefaultOptionKind)
		require.NoError(t, err)
		pkt := testutil.Echo(t, src, dst, wire.ProbeEchoID, wire.ProbeEchoSeq, append(body, 0, 0))
		d := wire.NewDecoder(wire.DefaultOptionKind)
		ip, err := d.IPv4(pkt)
		require.NoError(t, err)
		_, err = d.Probe(ip)
		assert.ErrorIs(t, err, wire.ErrNotProbe)
	})

	t.Run("not icmp", func(t *testing.T) {
		d := wire.NewDecoder(wire.DefaultOptionKind)
		_, err := d.Probe(wire.IPv4{Protocol: wire.ProtoTCP, HeaderLen: 20, TotalLen: wire.ProbeTotalLen})
		assert.ErrorIs(t, err, wire.ErrNotProbe)
	})
}

func TestProtoName(t *testing.T) {
	assert.Equal(t, "TCP", wire.ProtoName(wire.ProtoTCP))
	assert.Equal(t, "UDP", wire.ProtoName(wire.ProtoUDP))
	assert.Equal(t, "IP_132", wire.ProtoName(132))

	p, err := wire.ParseProto("UDP")
	require.NoError(t, err)
	assert.Equal(t, wire.ProtoUDP, p)
	_, err = wire.ParseProto("sctp")
	assert.Error(t, err)
}
