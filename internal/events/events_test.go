package events_test

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/events"
)

func _event(kind events.Kind, i int) events.Event {
	return events.Event{Time: time.Now(), Kind: kind, Proto: "TCP", Original: fmt.Sprintf("203.0.113.7:%d", i)}
}

func TestBufferWrap(t *testing.T) {
	buf := events.New(3)

	// Write 5 events into a buffer of size 3; the oldest 2 are dropped.
	for i := range 5 {
		buf.Publish(_event(events.KindRecovered, i))
	}

	got := buf.Recent(10, "")
	require.Len(t, got, 3)
	assert.Equal(t, "203.0.113.7:2", got[0].Original)
	assert.Equal(t, "203.0.113.7:4", got[2].Original)
	assert.Equal(t, 3, buf.Len())
}

func TestBufferRecentKindFilter(t *testing.T) {
	buf := events.New(10)
	buf.Publish(_event(events.KindRecovered, 1))
	buf.Publish(_event(events.KindEvicted, 1))
	buf.Publish(_event(events.KindRecovered, 2))

	assert.Len(t, buf.Recent(10, ""), 3)
	assert.Len(t, buf.Recent(10, events.KindRecovered), 2)
	assert.Len(t, buf.Recent(1, events.KindRecovered), 1)
	assert.Equal(t, "203.0.113.7:2", buf.Recent(1, events.KindRecovered)[0].Original)
}

func TestSubscribe(t *testing.T) {
	buf := events.New(10)
	all := buf.Subscribe()
	recovered := buf.Subscribe(events.KindRecovered)
	defer buf.Unsubscribe(all)
	defer buf.Unsubscribe(recovered)

	buf.Publish(_event(events.KindEvicted, 1))
	buf.Publish(_event(events.KindRecovered, 2))

	assert.Equal(t, events.KindEvicted, (<-all.C).Kind)
	assert.Equal(t, events.KindRecovered, (<-all.C).Kind)

	select {
	case ev := <-recovered.C:
		assert.Equal(t, events.KindRecovered, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.Empty(t, recovered.C)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	buf := events.New(10)
	s := buf.Subscribe()
	defer buf.Unsubscribe(s)

	done := make(chan struct{})
	go func() {
		for i := range 1000 {
			buf.Publish(_event(events.KindRecovered, i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Len(t, s.C, cap(s.C))
}

func TestUnsubscribe(t *testing.T) {
	buf := events.New(10)
	s := buf.Subscribe()
	buf.Unsubscribe(s)
	buf.Publish(_event(events.KindRecovered, 1))
	assert.Empty(t, s.C)
}

func TestFromEntry(t *testing.T) {
	c := conncache.New(conncache.Config{})
	tu := conncache.Tuple{
		Proto:  6,
		Local:  netip.MustParseAddrPort("198.51.100.2:443"),
		Remote: netip.MustParseAddrPort("10.0.0.5:34000"),
	}
	h, _, err := c.GetOrInsert(tu, netip.MustParseAddrPort("203.0.113.7:51000"))
	require.NoError(t, err)
	defer h.Release()

	now := time.Now()
	ev := events.FromEntry(events.KindRecovered, h.Entry(), "option", now)
	assert.Equal(t, events.Event{
		Time:     now,
		Kind:     events.KindRecovered,
		Proto:    "TCP",
		Local:    "198.51.100.2:443",
		Remote:   "10.0.0.5:34000",
		Original: "203.0.113.7:51000",
		Source:   "option",
	}, ev)
}
