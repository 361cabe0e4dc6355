// Package capture feeds inbound IPv4 packets to the inspector.
//
// Two sources exist: Raw receives copies of live traffic through raw IPv4
// sockets, and File replays a pcap or pcapng capture.
package capture

import (
	"context"
	"errors"
)

// HandlerFunc receives one raw IPv4 packet. The slice is only valid for
// the duration of the call. A source may invoke the handler from several
// goroutines at once.
type HandlerFunc func(pkt []byte)

// Source produces packets until its context is canceled or its input is
// exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context, handle HandlerFunc) error
}

// ErrUnsupported is returned by sources unavailable on this platform.
var ErrUnsupported = errors.New("capture: unsupported on this platform")

// maxPacket is the receive buffer size; IPv4 packets are at most 64 KiB.
const maxPacket = 1 << 16
