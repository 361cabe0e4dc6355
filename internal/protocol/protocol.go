// Package protocol dispatches inspected packets to per-transport handlers.
//
// A Registry maps an IP protocol number to a Handler. It is built once at
// startup and never modified, so lookups need no locking.
package protocol

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/wire"
)

// ErrUnsupported is returned by a handler that declines a capability.
var ErrUnsupported = errors.New("capability not supported")

// Verdict tells the packet source what to do with the packet. The
// inspector never alters delivery of ordinary traffic; only a consumed
// probe is reported as Consume.
type Verdict uint8

const (
	Accept Verdict = iota
	Consume
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Consume:
		return "consume"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// Packet is an inbound packet after network and transport decoding.
type Packet struct {
	IP wire.IPv4
	// Tuple is the observed connection: Local is the destination and
	// Remote the source as seen on the wire.
	Tuple conncache.Tuple
	// Decoder still holds the transport header of this packet.
	Decoder *wire.Decoder
}

// Handler implements the per-transport capabilities.
type Handler interface {
	// Proto returns the IP protocol number handled.
	Proto() uint8
	// MatchExisting borrows the entry already tracking t, refreshing it.
	// It never re-parses the packet.
	MatchExisting(t conncache.Tuple) (*conncache.Handle, bool)
	// ExtractAndCreate decodes the embedded client address from pkt and
	// inserts a new entry. Called only after MatchExisting misses.
	ExtractAndCreate(pkt *Packet) (Verdict, *conncache.Handle, error)
	// HandleProbe creates the entry announced by an ICMP probe carried in
	// pkt.
	HandleProbe(pkt *Packet, probe wire.Probe) (Verdict, *conncache.Handle, error)
}

// Options configures NewRegistry.
type Options struct {
	// Protocols lists transport names to enable ("tcp", "udp").
	Protocols []string
	// EnableProbe turns on the ICMP probe path.
	EnableProbe bool
}

// Registry maps protocol numbers to handlers.
type Registry struct {
	handlers map[uint8]Handler
}

// NewRegistry builds the handlers named in opts over cache.
func NewRegistry(cache *conncache.Cache, opts Options) (*Registry, error) {
	if len(opts.Protocols) == 0 {
		opts.Protocols = []string{"tcp"}
	}
	handlers := make([]Handler, 0, len(opts.Protocols))
	for _, name := range opts.Protocols {
		proto, err := wire.ParseProto(name)
		if err != nil {
			return nil, err
		}
		switch proto {
		case wire.ProtoTCP:
			handlers = append(handlers, NewTCP(cache, opts.EnableProbe))
		case wire.ProtoUDP:
			handlers = append(handlers, NewUDP(cache, opts.EnableProbe))
		default:
			return nil, fmt.Errorf("no handler for protocol %q", name)
		}
	}
	return Build(handlers...)
}

// Build returns a registry of the given handlers. Registering two handlers
// for one protocol is an error.
func Build(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[uint8]Handler, len(handlers))}
	for _, h := range handlers {
		p := h.Proto()
		if _, dup := r.handlers[p]; dup {
			return nil, fmt.Errorf("duplicate handler for %s", wire.ProtoName(p))
		}
		r.handlers[p] = h
	}
	return r, nil
}

// Get returns the handler for proto.
func (r *Registry) Get(proto uint8) (Handler, bool) {
	h, ok := r.handlers[proto]
	return h, ok
}

// Protocols returns the registered protocol numbers in ascending order.
func (r *Registry) Protocols() []uint8 {
	out := make([]uint8, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
