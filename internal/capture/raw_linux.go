//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/ushineko/natpeer/internal/wire"
)

// Run implements Source. It returns nil once ctx is canceled.
func (r *Raw) Run(ctx context.Context, handle HandlerFunc) error {
	conns := make([]*ipv4.RawConn, 0, len(r.Protocols))
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for _, p := range r.Protocols {
		c, err := listenRaw(p)
		if err != nil {
			closeAll()
			return err
		}
		conns = append(conns, c)
	}
	r.Logger.Info("raw capture started", "source", r.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		closeAll()
		return nil
	})
	for i, c := range conns {
		proto := r.Protocols[i]
		g.Go(func() error {
			err := readRaw(c, handle)
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture: %s: %w", wire.ProtoName(proto), err)
		})
	}
	return g.Wait()
}

func listenRaw(proto uint8) (*ipv4.RawConn, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", proto), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("capture: listen %s: %w", wire.ProtoName(proto), err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("capture: raw conn %s: %w", wire.ProtoName(proto), err)
	}
	return rc, nil
}

// readRaw reassembles header and payload into one packet per read and
// hands it on. It returns when the connection fails or is closed.
func readRaw(c *ipv4.RawConn, handle HandlerFunc) error {
	buf := make([]byte, maxPacket)
	pkt := make([]byte, 0, maxPacket)
	for {
		h, p, _, err := c.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		hb, err := h.Marshal()
		if err != nil {
			continue
		}
		pkt = append(append(pkt[:0], hb...), p...)
		handle(pkt)
	}
}
