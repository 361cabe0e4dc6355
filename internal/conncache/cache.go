// Package conncache maps the observed tuple of a live connection to the
// client endpoint recovered from its traffic.
//
// The store is a concurrent hash map with bucket-level locking for writes
// and lock-free reads. Entries are reference counted through Handles and
// only freed by the reclamation pass, once unreferenced and idle.
package conncache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrFull is returned when a new connection would exceed MaxEntries.
	// Already-tracked connections are unaffected.
	ErrFull = errors.New("connection cache full")
	// ErrClosed is returned by inserts after Flush.
	ErrClosed = errors.New("connection cache closed")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxEntries      = 65536
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultReclaimInterval = 30 * time.Second
	DefaultDrainRetry      = 10 * time.Millisecond
	DefaultDrainTimeout    = 2 * time.Second
)

// Config holds cache settings and observer hooks.
type Config struct {
	MaxEntries      int
	IdleTimeout     time.Duration
	ReclaimInterval time.Duration
	DrainRetry      time.Duration
	DrainTimeout    time.Duration

	Logger *slog.Logger

	// OnInsert is called after a new entry is published.
	OnInsert func(e *Entry)
	// OnEvict is called after an entry is removed by reclamation or Flush.
	OnEvict func(e *Entry)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type keyKind uint8

const (
	kindIn keyKind = iota
	kindOut
)

// key is a tuple plus the direction index it lives in. Every entry is
// stored under its observed tuple (kindIn), under the tuple with the
// original client as remote (kindOut), and under wildcard-local copies of
// both so sockets bound to 0.0.0.0 resolve too.
type key struct {
	Tuple
	kind keyKind
}

func dirKind(d Direction) keyKind {
	if d == Outbound {
		return kindOut
	}
	return kindIn
}

// Cache is the connection cache. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	m      *xsync.MapOf[key, *Entry]
	size   atomic.Int64
	closed atomic.Bool
}

// New returns an empty cache.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}
	if cfg.DrainRetry <= 0 {
		cfg.DrainRetry = DefaultDrainRetry
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		cfg:    cfg,
		logger: logger,
		now:    now,
		m:      xsync.NewMapOf[key, *Entry](),
	}
}

// Len returns the number of tracked connections.
func (c *Cache) Len() int { return int(c.size.Load()) }

// Cap returns the configured maximum number of connections.
func (c *Cache) Cap() int { return c.cfg.MaxEntries }

// IdleTimeout returns the configured idle threshold.
func (c *Cache) IdleTimeout() time.Duration { return c.cfg.IdleTimeout }

// GetOrInsert returns a handle to the entry for t, creating one that
// records original if none exists. Concurrent callers racing on the same
// tuple all receive the single winning entry; inserted reports whether
// this call created it. A live entry keeps its first recovered address.
func (c *Cache) GetOrInsert(t Tuple, original netip.AddrPort) (h *Handle, inserted bool, err error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	if !t.Valid() || t.Local.Addr().IsUnspecified() || !original.Addr().Is4() {
		return nil, false, fmt.Errorf("insert %s original %s: invalid endpoints", t, original)
	}

	now := c.now()
	k := key{Tuple: t, kind: kindIn}

	// Fast path: already tracked.
	if e, ok := c.m.Load(k); ok && e.acquire() {
		e.touch(now)
		return newHandle(e), false, nil
	}

	var (
		got  *Entry
		full bool
	)
	c.m.Compute(k, func(old *Entry, loaded bool) (*Entry, bool) {
		got, full, inserted = nil, false, false
		if loaded && old.acquire() {
			got = old
			return old, false
		}
		// Missing, or dead and awaiting removal by the reclaimer.
		if !c.reserve() {
			full = true
			return old, !loaded
		}
		e := newEntry(t, original, now)
		e.refs.Store(1)
		got = e
		inserted = true
		return e, false
	})

	if full {
		return nil, false, ErrFull
	}
	if !inserted {
		got.touch(now)
		return newHandle(got), false, nil
	}

	c.alias(got)
	if c.cfg.OnInsert != nil {
		c.cfg.OnInsert(got)
	}
	return &Handle{e: got, inserted: true}, true, nil
}

// reserve claims one slot against MaxEntries.
func (c *Cache) reserve() bool {
	limit := int64(c.cfg.MaxEntries)
	for {
		n := c.size.Load()
		if n >= limit {
			return false
		}
		if c.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// aliasKeys lists the secondary keys of e.
func aliasKeys(e *Entry) []key {
	in := e.Tuple()
	out := Tuple{Proto: e.Proto, Local: e.Destination, Remote: e.Original}
	return []key{
		{Tuple: out, kind: kindOut},
		{Tuple: in.WildcardLocal(), kind: kindIn},
		{Tuple: out.WildcardLocal(), kind: kindOut},
	}
}

// alias publishes e under its secondary keys. A live entry already holding
// an alias keeps it.
func (c *Cache) alias(e *Entry) {
	for _, k := range aliasKeys(e) {
		c.m.Compute(k, func(old *Entry, loaded bool) (*Entry, bool) {
			if !e.live() {
				return old, !loaded
			}
			if loaded && old != e && old.live() {
				return old, false
			}
			return e, false
		})
	}
}

// unmap removes every key of e that still points at e.
func (c *Cache) unmap(e *Entry) {
	keys := append(aliasKeys(e), key{Tuple: e.Tuple(), kind: kindIn})
	for _, k := range keys {
		c.m.Compute(k, func(old *Entry, loaded bool) (*Entry, bool) {
			if !loaded {
				return old, true
			}
			if old == e {
				return nil, true
			}
			return old, false
		})
	}
}

// Lookup borrows the entry matching t in direction dir. It does not
// refresh the entry. The caller must Release the handle.
func (c *Cache) Lookup(t Tuple, dir Direction) (*Handle, bool) {
	e, ok := c.m.Load(key{Tuple: t, kind: dirKind(dir)})
	if !ok || !e.acquire() {
		return nil, false
	}
	return newHandle(e), true
}

// Match borrows the entry whose observed tuple is t and refreshes its
// last-seen time. It is the per-packet fast path.
func (c *Cache) Match(t Tuple) (*Handle, bool) {
	e, ok := c.m.Load(key{Tuple: t, kind: kindIn})
	if !ok || e.Tuple() != t || !e.acquire() {
		return nil, false
	}
	e.touch(c.now())
	return newHandle(e), true
}

// Reclaim removes unreferenced entries idle for longer than idle and
// returns how many were removed. A negative idle removes every
// unreferenced entry.
func (c *Cache) Reclaim(idle time.Duration) int {
	now := c.now()
	var dead []*Entry
	c.m.Range(func(k key, e *Entry) bool {
		if k.kind != kindIn || k.Tuple != e.Tuple() {
			return true
		}
		if idle >= 0 && now.Sub(e.LastSeen()) <= idle {
			return true
		}
		if e.claim() {
			dead = append(dead, e)
		}
		return true
	})
	for _, e := range dead {
		c.unmap(e)
		c.size.Add(-1)
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(e)
		}
	}
	return len(dead)
}

// Run reclaims idle entries every ReclaimInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Reclaim(c.cfg.IdleTimeout); n > 0 {
				c.logger.Debug("reclaimed idle connections", "count", n, "remaining", c.Len())
			}
		}
	}
}

// Flush stops further inserts and removes every entry, retrying with a
// short sleep while holders drain. It gives up after DrainTimeout or when
// ctx is done and reports how many entries were still referenced.
func (c *Cache) Flush(ctx context.Context) error {
	c.closed.Store(true)

	deadline := time.NewTimer(c.cfg.DrainTimeout)
	defer deadline.Stop()

	for {
		c.Reclaim(-1)
		if c.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d entries still referenced: %w", c.Len(), ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("flush: %d entries still referenced after %s", c.Len(), c.cfg.DrainTimeout)
		case <-time.After(c.cfg.DrainRetry):
		}
	}
}

// Snapshot returns a copy of every tracked entry.
func (c *Cache) Snapshot() []Info {
	out := make([]Info, 0, c.Len())
	c.m.Range(func(k key, e *Entry) bool {
		if k.kind == kindIn && k.Tuple == e.Tuple() && e.live() {
			out = append(out, e.info())
		}
		return true
	})
	return out
}
