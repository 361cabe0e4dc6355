// Package inspect is the per-packet entry point. It decodes inbound IPv4
// packets, dispatches them to the protocol registry and records recovered
// client addresses in the connection cache.
//
// The inspector is purely observational: it never alters or drops a
// packet. The only non-Accept verdict is Consume, returned for an address
// probe that was recognized.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/events"
	"github.com/ushineko/natpeer/internal/localaddr"
	"github.com/ushineko/natpeer/internal/protocol"
	"github.com/ushineko/natpeer/internal/stats"
	"github.com/ushineko/natpeer/internal/wire"
)

// Rejection reasons recorded in stats.
const (
	ReasonTruncated   = "truncated"
	ReasonNotIPv4     = "not_ipv4"
	ReasonMalformed   = "malformed"
	ReasonNotLocal    = "not_local"
	ReasonUnsupported = "unsupported"
	ReasonNoOption    = "no_option"
	ReasonOptionSize  = "option_size"
	ReasonNotProbe    = "not_probe"
	ReasonProbeMagic  = "probe_magic"
	ReasonCacheFull   = "cache_full"
	ReasonClosed      = "closed"
	ReasonInvalid     = "invalid"
)

// Debug rejection logging is limited to this rate.
const (
	debugLogRate  = rate.Limit(10)
	debugLogBurst = 20
)

// Config holds the inspector's collaborators.
type Config struct {
	Registry *protocol.Registry
	// Local decides which destinations are ours. Nil accepts any unicast
	// destination.
	Local *localaddr.Set
	// OptionKind is the address option kind; zero means the default.
	OptionKind uint8
	// EnableProbe turns on ICMP probe handling.
	EnableProbe bool

	Stats  *stats.Collector
	Events *events.Buffer
	Logger *slog.Logger
}

// Inspector processes packets. It is safe for concurrent use.
type Inspector struct {
	registry *protocol.Registry
	local    *localaddr.Set
	probes   bool
	stats    *stats.Collector
	events   *events.Buffer
	logger   *slog.Logger
	limiter  *rate.Limiter
	decoders sync.Pool
}

// New returns an Inspector.
func New(cfg Config) *Inspector {
	kind := cfg.OptionKind
	if kind == 0 {
		kind = wire.DefaultOptionKind
	}
	st := cfg.Stats
	if st == nil {
		st = stats.NewCollector()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	local := cfg.Local
	if local == nil {
		local = localaddr.AnyUnicast()
	}
	in := &Inspector{
		registry: cfg.Registry,
		local:    local,
		probes:   cfg.EnableProbe,
		stats:    st,
		events:   cfg.Events,
		logger:   logger,
		limiter:  rate.NewLimiter(debugLogRate, debugLogBurst),
	}
	in.decoders.New = func() any { return wire.NewDecoder(kind) }
	return in
}

// Inspect processes one raw IPv4 packet.
func (in *Inspector) Inspect(b []byte) (v protocol.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			in.stats.Defects.Add(1)
			in.logger.Error("packet inspection panicked",
				"panic", fmt.Sprint(r),
				"len", len(b),
				"stack", string(debug.Stack()),
			)
			v = protocol.Accept
		}
	}()

	in.stats.Packets.Add(1)

	d := in.decoders.Get().(*wire.Decoder)
	defer in.decoders.Put(d)

	ip, err := d.IPv4(b)
	if err != nil {
		in.reject(err, "")
		return protocol.Accept
	}
	if !in.local.Contains(ip.Dst) {
		in.rejectReason(ReasonNotLocal, nil, ip.Dst.String())
		return protocol.Accept
	}

	if ip.Protocol == wire.ProtoICMP {
		return in.inspectProbe(d, ip)
	}

	h, ok := in.registry.Get(ip.Protocol)
	if !ok {
		in.rejectReason(ReasonUnsupported, nil, wire.ProtoName(ip.Protocol))
		return protocol.Accept
	}

	t, err := transportTuple(d, ip)
	if err != nil {
		in.reject(err, "")
		return protocol.Accept
	}

	if m, ok := h.MatchExisting(t); ok {
		m.Release()
		in.stats.Matched.Add(1)
		return protocol.Accept
	}

	v, hd, err := h.ExtractAndCreate(&protocol.Packet{IP: ip, Tuple: t, Decoder: d})
	defer hd.Release()
	if err != nil {
		in.reject(err, t.String())
		return v
	}
	in.recovered(hd, stats.SourceOption)
	return v
}

// inspectProbe handles an ICMP packet that may be an address probe.
func (in *Inspector) inspectProbe(d *wire.Decoder, ip wire.IPv4) protocol.Verdict {
	if !in.probes {
		return protocol.Accept
	}
	probe, err := d.Probe(ip)
	if err != nil {
		in.reject(err, ip.Src.String())
		return protocol.Accept
	}
	h, ok := in.registry.Get(probe.Proto)
	if !ok {
		in.rejectReason(ReasonUnsupported, nil, "probe "+wire.ProtoName(probe.Proto))
		return protocol.Accept
	}

	v, hd, err := h.HandleProbe(&protocol.Packet{IP: ip, Decoder: d}, probe)
	defer hd.Release()
	if v == protocol.Consume {
		in.stats.Consumed.Add(1)
	}
	if err != nil {
		in.reject(err, ip.Src.String())
		return v
	}
	in.recovered(hd, stats.SourceProbe)
	return v
}

// transportTuple decodes the transport ports of ip into the observed tuple.
func transportTuple(d *wire.Decoder, ip wire.IPv4) (conncache.Tuple, error) {
	var sport, dport uint16
	switch ip.Protocol {
	case wire.ProtoTCP:
		hdr, err := d.TCP(ip.Payload)
		if err != nil {
			return conncache.Tuple{}, err
		}
		sport, dport = hdr.SrcPort, hdr.DstPort
	case wire.ProtoUDP:
		hdr, err := d.UDP(ip.Payload)
		if err != nil {
			return conncache.Tuple{}, err
		}
		sport, dport = hdr.SrcPort, hdr.DstPort
	default:
		return conncache.Tuple{}, fmt.Errorf("%s ports: %w", wire.ProtoName(ip.Protocol), protocol.ErrUnsupported)
	}
	return conncache.Tuple{
		Proto:  ip.Protocol,
		Local:  netip.AddrPortFrom(ip.Dst, dport),
		Remote: netip.AddrPortFrom(ip.Src, sport),
	}, nil
}

// recovered records a newly created entry. Handles that found an existing
// entry (a lost insert race, a repeated probe) are not counted.
func (in *Inspector) recovered(h *conncache.Handle, source string) {
	if h == nil || !h.Inserted() {
		return
	}
	e := h.Entry()
	in.stats.RecordRecovery(source, e.Original.Addr().String())
	if in.events != nil {
		in.events.Publish(events.FromEntry(events.KindRecovered, e, source, time.Now()))
	}
	in.logger.Debug("client address recovered",
		"proto", wire.ProtoName(e.Proto),
		"local", e.Destination,
		"remote", e.Remote,
		"original", e.Original,
		"source", source,
	)
}

func (in *Inspector) reject(err error, subject string) {
	reason := Reason(err)
	if reason == ReasonCacheFull {
		in.stats.Refused.Add(1)
	}
	in.rejectReason(reason, err, subject)
}

func (in *Inspector) rejectReason(reason string, err error, subject string) {
	in.stats.RecordRejection(reason)
	if !in.logger.Enabled(context.Background(), slog.LevelDebug) || !in.limiter.Allow() {
		return
	}
	attrs := []any{"reason", reason}
	if subject != "" {
		attrs = append(attrs, "subject", subject)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	in.logger.Debug("packet passed through", attrs...)
}

// Reason classifies a rejection error.
func Reason(err error) string {
	switch {
	case errors.Is(err, wire.ErrTruncated):
		return ReasonTruncated
	case errors.Is(err, wire.ErrNotIPv4):
		return ReasonNotIPv4
	case errors.Is(err, wire.ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, wire.ErrNoOption):
		return ReasonNoOption
	case errors.Is(err, wire.ErrOptionSize):
		return ReasonOptionSize
	case errors.Is(err, wire.ErrNotProbe):
		return ReasonNotProbe
	case errors.Is(err, wire.ErrProbeMagic):
		return ReasonProbeMagic
	case errors.Is(err, protocol.ErrUnsupported), errors.Is(err, wire.ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, conncache.ErrFull):
		return ReasonCacheFull
	case errors.Is(err, conncache.ErrClosed):
		return ReasonClosed
	default:
		return ReasonInvalid
	}
}
