//go:build !linux

package localaddr

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

const pollInterval = 30 * time.Second

// Discover returns the IPv4 addresses configured on all interfaces.
func Discover() ([]netip.Addr, error) {
	return interfaceAddrs()
}

// Watch re-reads the interface addresses periodically until ctx is done.
func (s *Set) Watch(ctx context.Context, logger *slog.Logger) error {
	if s.any {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			addrs, err := interfaceAddrs()
			if err != nil {
				logger.Warn("list interface addresses", "error", err)
				continue
			}
			s.Replace(addrs)
		}
	}
}
