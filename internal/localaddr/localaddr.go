// Package localaddr tracks the IPv4 unicast addresses configured on this
// host, so the inspector only acts on packets addressed to it.
package localaddr

import (
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
)

// Set is a copy-on-write address set. Contains is lock-free.
type Set struct {
	mu    sync.Mutex
	addrs atomic.Pointer[map[netip.Addr]struct{}]
	any   bool
}

// NewSet returns a set holding addrs.
func NewSet(addrs ...netip.Addr) *Set {
	s := &Set{}
	s.Replace(addrs)
	return s
}

// AnyUnicast returns a set that contains every unicast IPv4 address. It is
// used when replaying captures taken on another host.
func AnyUnicast() *Set {
	s := NewSet()
	s.any = true
	return s
}

// Contains reports whether a is a local unicast destination.
func (s *Set) Contains(a netip.Addr) bool {
	if !Unicast(a) {
		return false
	}
	if s.any {
		return true
	}
	_, ok := (*s.addrs.Load())[a]
	return ok
}

// Unicast reports whether a is a unicast IPv4 address.
func Unicast(a netip.Addr) bool {
	return a.Is4() && !a.IsUnspecified() && !a.IsMulticast() && a != netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// Add inserts a.
func (s *Set) Add(a netip.Addr) {
	a = a.Unmap()
	if !Unicast(a) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.addrs.Load()
	if _, ok := old[a]; ok {
		return
	}
	m := make(map[netip.Addr]struct{}, len(old)+1)
	for k := range old {
		m[k] = struct{}{}
	}
	m[a] = struct{}{}
	s.addrs.Store(&m)
}

// Remove deletes a.
func (s *Set) Remove(a netip.Addr) {
	a = a.Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.addrs.Load()
	if _, ok := old[a]; !ok {
		return
	}
	m := make(map[netip.Addr]struct{}, len(old))
	for k := range old {
		if k != a {
			m[k] = struct{}{}
		}
	}
	s.addrs.Store(&m)
}

// Replace swaps the whole set for addrs.
func (s *Set) Replace(addrs []netip.Addr) {
	m := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if a = a.Unmap(); Unicast(a) {
			m[a] = struct{}{}
		}
	}
	s.mu.Lock()
	s.addrs.Store(&m)
	s.mu.Unlock()
}

// Addrs returns the addresses in ascending order.
func (s *Set) Addrs() []netip.Addr {
	m := *s.addrs.Load()
	out := make([]netip.Addr, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// Len returns the number of addresses.
func (s *Set) Len() int { return len(*s.addrs.Load()) }

// Any reports whether the set accepts every unicast address.
func (s *Set) Any() bool { return s.any }

// ipNetAddr converts an interface address to a netip.Addr.
func ipNetAddr(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	return addr, addr.Is4()
}

// interfaceAddrs lists IPv4 addresses via the portable net API.
func interfaceAddrs() ([]netip.Addr, error) {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, a := range ifAddrs {
		if addr, ok := ipNetAddr(a); ok {
			out = append(out, addr)
		}
	}
	return out, nil
}
