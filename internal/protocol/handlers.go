package protocol

import (
	"fmt"
	"net/netip"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/wire"
)

// base carries what every transport handler shares.
type base struct {
	proto  uint8
	cache  *conncache.Cache
	probes bool
}

func (b *base) Proto() uint8 { return b.proto }

func (b *base) MatchExisting(t conncache.Tuple) (*conncache.Handle, bool) {
	return b.cache.Match(t)
}

// HandleProbe inserts the connection announced by probe. The announced
// tuple is built from the probe's addresses and the ports it carries. A
// recognized probe is consumed whether or not the insert succeeds.
func (b *base) HandleProbe(pkt *Packet, probe wire.Probe) (Verdict, *conncache.Handle, error) {
	if !b.probes {
		return Accept, nil, fmt.Errorf("%s probe: %w", wire.ProtoName(b.proto), ErrUnsupported)
	}
	if probe.Proto != b.proto {
		return Accept, nil, fmt.Errorf("probe for %s sent to %s handler: %w",
			wire.ProtoName(probe.Proto), wire.ProtoName(b.proto), ErrUnsupported)
	}
	t := conncache.Tuple{
		Proto:  b.proto,
		Local:  netip.AddrPortFrom(pkt.IP.Dst, probe.DstPort),
		Remote: netip.AddrPortFrom(pkt.IP.Src, probe.SrcPort),
	}
	h, _, err := b.cache.GetOrInsert(t, probe.Client)
	if err != nil {
		return Consume, nil, fmt.Errorf("probe %s: %w", t, err)
	}
	return Consume, h, nil
}

// TCP handles stream connections announced by the address option or by a
// probe.
type TCP struct {
	base
}

// NewTCP returns the TCP handler. probes enables HandleProbe.
func NewTCP(cache *conncache.Cache, probes bool) *TCP {
	return &TCP{base{proto: wire.ProtoTCP, cache: cache, probes: probes}}
}

// ExtractAndCreate reads the address option from the TCP header still held
// by pkt.Decoder.
func (h *TCP) ExtractAndCreate(pkt *Packet) (Verdict, *conncache.Handle, error) {
	client, err := pkt.Decoder.Option()
	if err != nil {
		return Accept, nil, err
	}
	hd, _, err := h.cache.GetOrInsert(pkt.Tuple, client)
	if err != nil {
		return Accept, nil, fmt.Errorf("insert %s: %w", pkt.Tuple, err)
	}
	return Accept, hd, nil
}

// UDP handles datagram flows. Datagrams carry no options, so entries are
// only created from probes.
type UDP struct {
	base
}

// NewUDP returns the UDP handler. probes enables HandleProbe.
func NewUDP(cache *conncache.Cache, probes bool) *UDP {
	return &UDP{base{proto: wire.ProtoUDP, cache: cache, probes: probes}}
}

func (h *UDP) ExtractAndCreate(*Packet) (Verdict, *conncache.Handle, error) {
	return Accept, nil, fmt.Errorf("udp option: %w", ErrUnsupported)
}
