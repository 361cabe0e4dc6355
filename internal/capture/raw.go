package capture

import (
	"log/slog"
	"strings"

	"github.com/ushineko/natpeer/internal/wire"
)

// Raw receives copies of inbound packets through one raw IPv4 socket per
// protocol. It needs CAP_NET_RAW. The kernel keeps delivering every packet
// to its regular socket, so Raw observes without interfering.
type Raw struct {
	Protocols []uint8
	Logger    *slog.Logger
}

// NewRaw returns a raw source for the given IP protocol numbers.
func NewRaw(protocols []uint8, logger *slog.Logger) *Raw {
	if logger == nil {
		logger = slog.Default()
	}
	return &Raw{Protocols: protocols, Logger: logger}
}

// Name implements Source.
func (r *Raw) Name() string {
	names := make([]string, len(r.Protocols))
	for i, p := range r.Protocols {
		names[i] = strings.ToLower(wire.ProtoName(p))
	}
	return "raw:" + strings.Join(names, ",")
}
