package inspect_test

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/events"
	"github.com/ushineko/natpeer/internal/inspect"
	"github.com/ushineko/natpeer/internal/localaddr"
	"github.com/ushineko/natpeer/internal/protocol"
	"github.com/ushineko/natpeer/internal/stats"
	"github.com/ushineko/natpeer/internal/testutil"
	"github.com/ushineko/natpeer/internal/wire"
)

var (
	_local    = netip.MustParseAddrPort("198.51.100.2:443")
	_natPeer  = netip.MustParseAddrPort("10.0.0.5:34000")
	_original = netip.MustParseAddrPort("203.0.113.7:51000")
	_tuple    = conncache.Tuple{Proto: wire.ProtoTCP, Local: _local, Remote: _natPeer}
)

type _env struct {
	cache  *conncache.Cache
	stats  *stats.Collector
	events *events.Buffer
	in     *inspect.Inspector
}

func _newEnv(t *testing.T, protocols ...string) *_env {
	t.Helper()
	cache := conncache.New(conncache.Config{MaxEntries: 8})
	reg, err := protocol.NewRegistry(cache, protocol.Options{Protocols: protocols, EnableProbe: true})
	require.NoError(t, err)
	return _newEnvWith(t, cache, reg)
}

func _newEnvWith(t *testing.T, cache *conncache.Cache, reg *protocol.Registry) *_env {
	t.Helper()
	st := stats.NewCollector()
	ev := events.New(16)
	in := inspect.New(inspect.Config{
		Registry:    reg,
		Local:       localaddr.NewSet(_local.Addr()),
		EnableProbe: true,
		Stats:       st,
		Events:      ev,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	return &_env{cache: cache, stats: st, events: ev, in: in}
}

func (e *_env) lookup(t *testing.T, tu conncache.Tuple, dir conncache.Direction) (netip.AddrPort, bool) {
	t.Helper()
	h, ok := e.cache.Lookup(tu, dir)
	if !ok {
		return netip.AddrPort{}, false
	}
	defer h.Release()
	return h.Addr(dir), true
}

func TestInspect_WorkedExample(t *testing.T) {
	env := _newEnv(t)

	syn := testutil.TCPSyn(t, _natPeer, _local, testutil.AddrOption(0xB1, _original))
	assert.Equal(t, protocol.Accept, env.in.Inspect(syn))

	got, ok := env.lookup(t, _tuple, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, got)

	// Outbound on the same socket: the application believes its peer is the
	// original client.
	back, ok := env.lookup(t, conncache.Tuple{Proto: wire.ProtoTCP, Local: _local, Remote: _original}, conncache.Outbound)
	require.True(t, ok)
	assert.Equal(t, _natPeer, back)

	assert.Equal(t, int64(1), env.stats.TotalRecoveries())
	recent := env.events.Recent(10, events.KindRecovered)
	require.Len(t, recent, 1)
	assert.Equal(t, "203.0.113.7:51000", recent[0].Original)
	assert.Equal(t, stats.SourceOption, recent[0].Source)
}

func TestInspect_PassThroughWithoutOption(t *testing.T) {
	env := _newEnv(t)

	assert.Equal(t, protocol.Accept, env.in.Inspect(testutil.TCPSyn(t, _natPeer, _local)))
	ack := testutil.TCP(t, _natPeer, _local, &layers.TCP{ACK: true, Window: 1024})
	assert.Equal(t, protocol.Accept, env.in.Inspect(ack))

	_, ok := env.lookup(t, _tuple, conncache.Inbound)
	assert.False(t, ok)
	assert.Equal(t, 0, env.cache.Len())
	assert.Equal(t, int64(2), env.stats.TotalRejections())
}

func TestInspect_IdempotentReparse(t *testing.T) {
	env := _newEnv(t)

	syn := testutil.TCPSyn(t, _natPeer, _local, testutil.AddrOption(0xB1, _original))
	env.in.Inspect(syn)
	env.in.Inspect(syn)

	// A later segment carrying a different address does not overwrite.
	other := testutil.TCPSyn(t, _natPeer, _local, testutil.AddrOption(0xB1, netip.MustParseAddrPort("192.0.2.1:1")))
	env.in.Inspect(other)

	assert.Equal(t, 1, env.cache.Len())
	got, ok := env.lookup(t, _tuple, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, got)
	assert.Equal(t, int64(2), env.stats.Matched.Load())
	assert.Equal(t, int64(1), env.stats.TotalRecoveries())
}

func TestInspect_LaterSegmentsMatch(t *testing.T) {
	env := _newEnv(t)

	env.in.Inspect(testutil.TCPSyn(t, _natPeer, _local, testutil.AddrOption(0xB1, _original)))
	for range 3 {
		env.in.Inspect(testutil.TCP(t, _natPeer, _local, &layers.TCP{ACK: true, Window: 1024}))
	}
	assert.Equal(t, int64(3), env.stats.Matched.Load())
	assert.Equal(t, int64(0), env.stats.TotalRejections())
}

func TestInspect_NotLocal(t *testing.T) {
	env := _newEnv(t)

	elsewhere := netip.MustParseAddrPort("198.51.100.99:443")
	env.in.Inspect(testutil.TCPSyn(t, _natPeer, elsewhere, testutil.AddrOption(0xB1, _original)))

	assert.Equal(t, 0, env.cache.Len())
	assert.Equal(t, []stats.Count{{Name: inspect.ReasonNotLocal, Count: 1}}, env.stats.SnapshotRejections())
}

func TestInspect_Malformed(t *testing.T) {
	env := _newEnv(t)

	tests := []struct {
		name   string
		pkt    []byte
		reason string
	}{
		{"empty", nil, inspect.ReasonTruncated},
		{"ipv6", append([]byte{0x60}, make([]byte, 39)...), inspect.ReasonNotIPv4},
		{"truncated tcp", testutil.TCPSyn(t, _natPeer, _local)[:24], inspect.ReasonTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, protocol.Accept, env.in.Inspect(tt.pkt))
		})
	}
	assert.Equal(t, 0, env.cache.Len())
	assert.Equal(t, int64(3), env.stats.TotalRejections())
}

func TestInspect_ProbeCreatesEntry(t *testing.T) {
	env := _newEnv(t)

	probe := testutil.Probe(t, _natPeer.Addr(), _local.Addr(), wire.Probe{
		Proto:   wire.ProtoTCP,
		SrcPort: _natPeer.Port(),
		DstPort: _local.Port(),
		Client:  _original,
	})
	assert.Equal(t, protocol.Consume, env.in.Inspect(probe))

	got, ok := env.lookup(t, _tuple, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, got)
	assert.Equal(t, int64(1), env.stats.Consumed.Load())

	// The SYN that follows matches the probe's entry.
	env.in.Inspect(testutil.TCPSyn(t, _natPeer, _local))
	assert.Equal(t, int64(1), env.stats.Matched.Load())
}

func TestInspect_UDPProbe(t *testing.T) {
	env := _newEnv(t, "tcp", "udp")

	local := netip.MustParseAddrPort("198.51.100.2:53")
	probe := testutil.Probe(t, _natPeer.Addr(), local.Addr(), wire.Probe{
		Proto:   wire.ProtoUDP,
		SrcPort: 40000,
		DstPort: 53,
		Client:  _original,
	})
	assert.Equal(t, protocol.Consume, env.in.Inspect(probe))

	remote := netip.AddrPortFrom(_natPeer.Addr(), 40000)
	got, ok := env.lookup(t, conncache.Tuple{Proto: wire.ProtoUDP, Local: local, Remote: remote}, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, got)

	// A server socket bound to 0.0.0.0:53 resolves through the wildcard key.
	wild := conncache.Tuple{Proto: wire.ProtoUDP, Local: netip.MustParseAddrPort("0.0.0.0:53"), Remote: remote}
	got, ok = env.lookup(t, wild, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, got)

	// Datagrams of the flow match without re-parsing.
	env.in.Inspect(testutil.UDP(t, remote, local, []byte("query")))
	assert.Equal(t, int64(1), env.stats.Matched.Load())
}

func TestInspect_UDPProbeWithoutHandler(t *testing.T) {
	env := _newEnv(t)

	probe := testutil.Probe(t, _natPeer.Addr(), _local.Addr(), wire.Probe{
		Proto: wire.ProtoUDP, SrcPort: 40000, DstPort: 53, Client: _original,
	})
	assert.Equal(t, protocol.Accept, env.in.Inspect(probe))
	assert.Equal(t, 0, env.cache.Len())
}

func TestInspect_ProbeMagicMismatch(t *testing.T) {
	p := wire.Probe{Proto: wire.ProtoTCP, SrcPort: _natPeer.Port(), DstPort: _local.Port(), Client: _original}
	body, err := p.Marshal(wire.DefaultOptionKind)
	require.NoError(t, err)

	badMagic := append([]byte(nil), body...)
	badMagic[0] = 124

	tests := []struct {
		name string
		pkt  []byte
	}{
		{"wrong identifier", testutil.Echo(t, _natPeer.Addr(), _local.Addr(), 0x1235, 0, body)},
		{"wrong sequence", testutil.Echo(t, _natPeer.Addr(), _local.Addr(), wire.ProbeEchoID, 1, body)},
		{"wrong magic code", testutil.Echo(t, _natPeer.Addr(), _local.Addr(), wire.ProbeEchoID, 0, badMagic)},
		{"ordinary ping", testutil.Echo(t, _natPeer.Addr(), _local.Addr(), 7, 1, []byte("abcdefghijklmnopqrstuvwxyz"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := _newEnv(t)
			assert.Equal(t, protocol.Accept, env.in.Inspect(tt.pkt))
			assert.Equal(t, 0, env.cache.Len())
			assert.Equal(t, int64(0), env.stats.Consumed.Load())
		})
	}
}

func TestInspect_ProbeDisabled(t *testing.T) {
	cache := conncache.New(conncache.Config{})
	reg, err := protocol.NewRegistry(cache, protocol.Options{})
	require.NoError(t, err)
	in := inspect.New(inspect.Config{Registry: reg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	probe := testutil.Probe(t, _natPeer.Addr(), _local.Addr(), wire.Probe{
		Proto: wire.ProtoTCP, SrcPort: _natPeer.Port(), DstPort: _local.Port(), Client: _original,
	})
	assert.Equal(t, protocol.Accept, in.Inspect(probe))
	assert.Equal(t, 0, cache.Len())
}

func TestInspect_CacheFull(t *testing.T) {
	cache := conncache.New(conncache.Config{MaxEntries: 1})
	reg, err := protocol.NewRegistry(cache, protocol.Options{})
	require.NoError(t, err)
	env := _newEnvWith(t, cache, reg)

	env.in.Inspect(testutil.TCPSyn(t, _natPeer, _local, testutil.AddrOption(0xB1, _original)))
	second := netip.AddrPortFrom(_natPeer.Addr(), 34001)
	assert.Equal(t, protocol.Accept, env.in.Inspect(testutil.TCPSyn(t, second, _local, testutil.AddrOption(0xB1, _original))))

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(1), env.stats.Refused.Load())
}

func TestInspect_ClientCountsBounded(t *testing.T) {
	cache := conncache.New(conncache.Config{MaxEntries: 4})
	reg, err := protocol.NewRegistry(cache, protocol.Options{})
	require.NoError(t, err)
	env := _newEnvWith(t, cache, reg)
	env.stats.SetMaxClients(16)

	for i := range 5000 {
		src := netip.AddrPortFrom(_natPeer.Addr(), uint16(10000+i))
		client := netip.AddrPortFrom(netip.AddrFrom4([4]byte{203, 0, byte(i >> 8), byte(i)}), 51000)
		env.in.Inspect(testutil.TCPSyn(t, src, _local, testutil.AddrOption(wire.DefaultOptionKind, client)))
		if i%4 == 3 {
			cache.Reclaim(-1)
		}
	}

	assert.Equal(t, int64(5000), env.stats.TotalRecoveries())
	assert.Zero(t, env.stats.Refused.Load())
	clients := env.stats.SnapshotClients()
	assert.Len(t, clients, 17)
	assert.Equal(t, stats.Count{Name: stats.OtherClients, Count: 5000 - 16}, clients[0])
}

type _panicky struct{ protocol.Handler }

func (_panicky) Proto() uint8 { return wire.ProtoTCP }

func (_panicky) MatchExisting(conncache.Tuple) (*conncache.Handle, bool) {
	panic("corrupted")
}

func TestInspect_RecoversFromPanic(t *testing.T) {
	reg, err := protocol.Build(_panicky{})
	require.NoError(t, err)
	env := _newEnvWith(t, conncache.New(conncache.Config{}), reg)

	assert.NotPanics(t, func() {
		v := env.in.Inspect(testutil.TCPSyn(t, _natPeer, _local))
		assert.Equal(t, protocol.Accept, v)
	})
	assert.Equal(t, int64(1), env.stats.Defects.Load())
}

func TestReason(t *testing.T) {
	assert.Equal(t, inspect.ReasonNoOption, inspect.Reason(wire.ErrNoOption))
	assert.Equal(t, inspect.ReasonCacheFull, inspect.Reason(conncache.ErrFull))
	assert.Equal(t, inspect.ReasonUnsupported, inspect.Reason(protocol.ErrUnsupported))
	assert.Equal(t, inspect.ReasonInvalid, inspect.Reason(io.EOF))
}
