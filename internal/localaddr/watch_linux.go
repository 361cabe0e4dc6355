//go:build linux

package localaddr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Discover returns the IPv4 addresses configured on all links. It falls
// back to the portable interface listing when netlink is unavailable.
func Discover() ([]netip.Addr, error) {
	list, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		if addrs, ferr := interfaceAddrs(); ferr == nil {
			return addrs, nil
		}
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	out := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		if a.IPNet == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.IP); ok && addr.Unmap().Is4() {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

// Watch applies address changes reported by the kernel until ctx is done.
// Existing addresses are listed first, so Watch also fills an empty set.
func (s *Set) Watch(ctx context.Context, logger *slog.Logger) error {
	if s.any {
		<-ctx.Done()
		return nil
	}

	updates := make(chan netlink.AddrUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	err := netlink.AddrSubscribeWithOptions(updates, done, netlink.AddrSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			logger.Warn("address subscription error", "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe to address changes: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("address subscription closed")
			}
			addr, ok := netip.AddrFromSlice(u.LinkAddress.IP)
			if !ok || !addr.Unmap().Is4() {
				continue
			}
			addr = addr.Unmap()
			if u.NewAddr {
				s.Add(addr)
				logger.Debug("local address added", "addr", addr, "link", u.LinkIndex)
			} else {
				s.Remove(addr)
				logger.Debug("local address removed", "addr", addr, "link", u.LinkIndex)
			}
		}
	}
}
