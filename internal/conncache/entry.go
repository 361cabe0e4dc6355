package conncache

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// Entry holds the recovered client endpoint of one connection.
//
// The exported fields are immutable once the entry is published. The
// reference count is >= 0 while the entry is live and -1 once reclamation
// has claimed it; a dead entry is never borrowed again.
type Entry struct {
	Proto       uint8
	Original    netip.AddrPort
	Destination netip.AddrPort
	Remote      netip.AddrPort
	Created     time.Time

	refs     atomic.Int32
	lastSeen atomic.Int64
}

func newEntry(t Tuple, original netip.AddrPort, now time.Time) *Entry {
	e := &Entry{
		Proto:       t.Proto,
		Original:    original,
		Destination: t.Local,
		Remote:      t.Remote,
		Created:     now,
	}
	e.lastSeen.Store(now.UnixNano())
	return e
}

// Tuple returns the observed tuple the entry was created for.
func (e *Entry) Tuple() Tuple {
	return Tuple{Proto: e.Proto, Local: e.Destination, Remote: e.Remote}
}

// Addr returns the endpoint a lookup in direction dir substitutes.
func (e *Entry) Addr(dir Direction) netip.AddrPort {
	if dir == Outbound {
		return e.Remote
	}
	return e.Original
}

// Refs returns the current number of holders, or -1 for a dead entry.
func (e *Entry) Refs() int32 { return e.refs.Load() }

// LastSeen returns the time of the last packet matched to the entry.
func (e *Entry) LastSeen() time.Time { return time.Unix(0, e.lastSeen.Load()) }

func (e *Entry) touch(now time.Time) { e.lastSeen.Store(now.UnixNano()) }

// acquire takes a reference unless the entry is dead.
func (e *Entry) acquire() bool {
	for {
		n := e.refs.Load()
		if n < 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *Entry) live() bool { return e.refs.Load() >= 0 }

// claim marks an unreferenced entry dead.
func (e *Entry) claim() bool { return e.refs.CompareAndSwap(0, -1) }

// Handle is a borrowed reference to an Entry. Release returns the
// reference; calls after the first are no-ops.
type Handle struct {
	e        *Entry
	inserted bool
	released atomic.Bool
}

func newHandle(e *Entry) *Handle { return &Handle{e: e} }

// Entry returns the borrowed entry.
func (h *Handle) Entry() *Entry { return h.e }

// Inserted reports whether the call that returned h created the entry.
func (h *Handle) Inserted() bool { return h.inserted }

// Addr is shorthand for h.Entry().Addr(dir).
func (h *Handle) Addr(dir Direction) netip.AddrPort { return h.e.Addr(dir) }

// Release returns the reference. It is safe to call more than once and on
// a nil Handle.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.e.refs.Add(-1)
}

// Info is a point-in-time copy of an Entry for listing.
type Info struct {
	Proto    uint8          `json:"proto"`
	Local    netip.AddrPort `json:"local"`
	Remote   netip.AddrPort `json:"remote"`
	Original netip.AddrPort `json:"original"`
	Refs     int32          `json:"refs"`
	Created  time.Time      `json:"created"`
	LastSeen time.Time      `json:"last_seen"`
}

func (e *Entry) info() Info {
	return Info{
		Proto:    e.Proto,
		Local:    e.Destination,
		Remote:   e.Remote,
		Original: e.Original,
		Refs:     e.Refs(),
		Created:  e.Created,
		LastSeen: e.LastSeen(),
	}
}
