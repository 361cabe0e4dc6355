package conncache_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/natpeer/internal/conncache"
)

type _clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *_clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *_clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func _newCache(t *testing.T, cfg conncache.Config) (*conncache.Cache, *_clock) {
	t.Helper()
	clk := &_clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clk.Now
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return conncache.New(cfg), clk
}

var (
	_local    = netip.MustParseAddrPort("198.51.100.2:443")
	_natPeer  = netip.MustParseAddrPort("10.0.0.5:34000")
	_original = netip.MustParseAddrPort("203.0.113.7:51000")
	_tuple    = conncache.Tuple{Proto: 6, Local: _local, Remote: _natPeer}
)

func TestCache_RecoveryBothDirections(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{})

	h, inserted, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)
	assert.True(t, inserted)
	h.Release()
	assert.Equal(t, 1, c.Len())

	in, ok := c.Lookup(_tuple, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, in.Addr(conncache.Inbound))
	in.Release()

	// An outbound lookup on the same socket sees the original client as its
	// peer and resolves to the NAT-level remote.
	outTuple := conncache.Tuple{Proto: 6, Local: _local, Remote: _original}
	out, ok := c.Lookup(outTuple, conncache.Outbound)
	require.True(t, ok)
	assert.Equal(t, _natPeer, out.Addr(conncache.Outbound))
	assert.Same(t, in.Entry(), out.Entry())
	out.Release()

	// Sockets bound to the unspecified address.
	wild, ok := c.Lookup(_tuple.WildcardLocal(), conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, wild.Addr(conncache.Inbound))
	wild.Release()

	_, ok = c.Lookup(_tuple, conncache.Outbound)
	assert.False(t, ok, "observed tuple is not an outbound key")
}

func TestCache_LookupMiss(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{})
	h, ok := c.Lookup(_tuple, conncache.Inbound)
	assert.False(t, ok)
	assert.Nil(t, h)
	h.Release() // nil-safe
}

func TestCache_IdempotentInsert(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{})

	h1, inserted, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)
	require.True(t, inserted)
	assert.True(t, h1.Inserted())
	h1.Release()

	other := netip.MustParseAddrPort("192.0.2.1:1000")
	h2, inserted, err := c.GetOrInsert(_tuple, other)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.False(t, h2.Inserted())
	assert.Equal(t, _original, h2.Addr(conncache.Inbound))
	h2.Release()

	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentInsertSingleWinner(t *testing.T) {
	var inserts atomic.Int32
	c, _ := _newCache(t, conncache.Config{
		OnInsert: func(*conncache.Entry) { inserts.Add(1) },
	})

	const workers = 64
	entries := make([]*conncache.Entry, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, _, err := c.GetOrInsert(_tuple, _original)
			if err != nil {
				return
			}
			entries[i] = h.Entry()
			h.Release()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), inserts.Load())
	assert.Equal(t, 1, c.Len())
	for _, e := range entries {
		require.NotNil(t, e)
		assert.Same(t, entries[0], e)
	}
	assert.Equal(t, int32(0), entries[0].Refs())
}

func TestCache_HandleReleaseIdempotent(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{})
	h, _, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)

	h2, ok := c.Lookup(_tuple, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, int32(2), h.Entry().Refs())

	h.Release()
	h.Release()
	h.Release()
	assert.Equal(t, int32(1), h.Entry().Refs())

	h2.Release()
	assert.Equal(t, int32(0), h.Entry().Refs())
}

func TestCache_ReferenceSafety(t *testing.T) {
	c, clk := _newCache(t, conncache.Config{IdleTimeout: time.Minute})
	h, _, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)
	h.Release()

	const holders = 16
	handles := make([]*conncache.Handle, holders)
	var wg sync.WaitGroup
	for i := range holders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hh, ok := c.Lookup(_tuple, conncache.Inbound)
			if ok {
				handles[i] = hh
			}
		}()
	}
	wg.Wait()
	for _, hh := range handles {
		require.NotNil(t, hh)
	}

	clk.Advance(time.Hour)
	assert.Equal(t, 0, c.Reclaim(time.Minute), "referenced entry must survive past idle")

	for i, hh := range handles {
		hh.Release()
		if i < holders-1 {
			assert.Equal(t, 0, c.Reclaim(time.Minute))
		}
	}
	assert.Equal(t, 1, c.Reclaim(time.Minute))
	assert.Equal(t, 0, c.Len())

	_, ok := c.Lookup(_tuple, conncache.Inbound)
	assert.False(t, ok)
	_, ok = c.Lookup(conncache.Tuple{Proto: 6, Local: _local, Remote: _original}, conncache.Outbound)
	assert.False(t, ok, "aliases removed with the entry")
}

func TestCache_ReclaimIdleOnly(t *testing.T) {
	var evicted []conncache.Tuple
	c, clk := _newCache(t, conncache.Config{
		OnEvict: func(e *conncache.Entry) { evicted = append(evicted, e.Tuple()) },
	})

	stale := conncache.Tuple{Proto: 6, Local: _local, Remote: netip.MustParseAddrPort("10.0.0.5:1")}
	h, _, err := c.GetOrInsert(stale, _original)
	require.NoError(t, err)
	h.Release()

	clk.Advance(2 * time.Minute)

	h, _, err = c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, 1, c.Reclaim(time.Minute))
	assert.Equal(t, []conncache.Tuple{stale}, evicted)
	assert.Equal(t, 1, c.Len())

	// Match refreshes last-seen, Lookup does not.
	clk.Advance(2 * time.Minute)
	m, ok := c.Match(_tuple)
	require.True(t, ok)
	m.Release()
	assert.Equal(t, 0, c.Reclaim(time.Minute))

	clk.Advance(2 * time.Minute)
	l, ok := c.Lookup(_tuple, conncache.Inbound)
	require.True(t, ok)
	l.Release()
	assert.Equal(t, 1, c.Reclaim(time.Minute))
}

func TestCache_CapacityRefuses(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{MaxEntries: 3})

	for i := range 3 {
		tu := conncache.Tuple{Proto: 6, Local: _local, Remote: netip.AddrPortFrom(_natPeer.Addr(), uint16(1000+i))}
		h, inserted, err := c.GetOrInsert(tu, _original)
		require.NoError(t, err)
		require.True(t, inserted)
		h.Release()
	}

	extra := conncache.Tuple{Proto: 6, Local: _local, Remote: netip.AddrPortFrom(_natPeer.Addr(), 2000)}
	_, _, err := c.GetOrInsert(extra, _original)
	assert.ErrorIs(t, err, conncache.ErrFull)
	assert.Equal(t, 3, c.Len())

	// Tracked connections keep working when full.
	first := conncache.Tuple{Proto: 6, Local: _local, Remote: netip.AddrPortFrom(_natPeer.Addr(), 1000)}
	h, inserted, err := c.GetOrInsert(first, _original)
	require.NoError(t, err)
	assert.False(t, inserted)
	h.Release()
}

func TestCache_CapacityUnderConcurrency(t *testing.T) {
	const limit = 50
	c, _ := _newCache(t, conncache.Config{MaxEntries: limit})

	var wg sync.WaitGroup
	var ok, full atomic.Int32
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tu := conncache.Tuple{Proto: 6, Local: _local, Remote: netip.AddrPortFrom(_natPeer.Addr(), uint16(10000+i))}
			h, _, err := c.GetOrInsert(tu, _original)
			if err != nil {
				full.Add(1)
				return
			}
			ok.Add(1)
			h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, c.Len())
	assert.Equal(t, int32(limit), ok.Load())
	assert.Equal(t, int32(150), full.Load())
	assert.Len(t, c.Snapshot(), limit)
}

func TestCache_InsertRejectsInvalid(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{})

	tests := []struct {
		name     string
		tuple    conncache.Tuple
		original netip.AddrPort
	}{
		{"ipv6 local", conncache.Tuple{Proto: 6, Local: netip.MustParseAddrPort("[::1]:80"), Remote: _natPeer}, _original},
		{"wildcard local", _tuple.WildcardLocal(), _original},
		{"zero remote port", conncache.Tuple{Proto: 6, Local: _local, Remote: netip.AddrPortFrom(_natPeer.Addr(), 0)}, _original},
		{"ipv6 original", _tuple, netip.MustParseAddrPort("[2001:db8::1]:1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.GetOrInsert(tt.tuple, tt.original)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, c.Len())
}

func TestCache_WildcardAliasKeepsFirstLive(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{})

	a := _tuple
	b := conncache.Tuple{Proto: 6, Local: netip.MustParseAddrPort("198.51.100.3:443"), Remote: _natPeer}
	otherOriginal := netip.MustParseAddrPort("192.0.2.9:9")

	h, _, err := c.GetOrInsert(a, _original)
	require.NoError(t, err)
	h.Release()
	h, _, err = c.GetOrInsert(b, otherOriginal)
	require.NoError(t, err)
	h.Release()

	w, ok := c.Lookup(a.WildcardLocal(), conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, _original, w.Addr(conncache.Inbound))
	w.Release()

	hb, ok := c.Lookup(b, conncache.Inbound)
	require.True(t, ok)
	assert.Equal(t, otherOriginal, hb.Addr(conncache.Inbound))
	hb.Release()
}

func TestCache_FlushDrains(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{DrainRetry: time.Millisecond, DrainTimeout: 2 * time.Second})

	h, _, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Release()
	}()

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 0, c.Len())

	_, _, err = c.GetOrInsert(_tuple, _original)
	assert.ErrorIs(t, err, conncache.ErrClosed)
}

func TestCache_FlushTimesOut(t *testing.T) {
	c, _ := _newCache(t, conncache.Config{DrainRetry: time.Millisecond, DrainTimeout: 20 * time.Millisecond})

	h, _, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)
	defer h.Release()

	err = c.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 entries still referenced")
}

func TestCache_RunReclaims(t *testing.T) {
	c := conncache.New(conncache.Config{
		IdleTimeout:     time.Nanosecond,
		ReclaimInterval: 5 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h, _, err := c.GetOrInsert(_tuple, _original)
	require.NoError(t, err)
	h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestDirection(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want conncache.Direction
	}{
		{"in", conncache.Inbound},
		{"Inbound", conncache.Inbound},
		{"out", conncache.Outbound},
		{"OUTBOUND", conncache.Outbound},
	} {
		got, err := conncache.ParseDirection(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, err := conncache.ParseDirection("sideways")
	assert.Error(t, err)
	assert.Equal(t, "out", conncache.Outbound.String())
	assert.Equal(t, fmt.Sprintf("Direction(%d)", 7), conncache.Direction(7).String())
}
