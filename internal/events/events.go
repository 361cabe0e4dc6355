/*
Package events keeps a circular buffer of connection cache events and fans
them out to subscribers.

The buffer stores the most recent N events. Subscribers receive new events
through a buffered channel; a slow subscriber misses events rather than
blocking the publisher, which runs on the packet path.
*/
package events

import (
	"sync"
	"time"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/wire"
)

// Kind classifies an event.
type Kind string

const (
	KindRecovered Kind = "recovered"
	KindEvicted   Kind = "evicted"
)

// Event is a single cache event.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     Kind      `json:"kind"`
	Proto    string    `json:"proto"`
	Local    string    `json:"local"`
	Remote   string    `json:"remote"`
	Original string    `json:"original"`
	Source   string    `json:"source,omitempty"`
}

// FromEntry builds an event describing e.
func FromEntry(kind Kind, e *conncache.Entry, source string, now time.Time) Event {
	return Event{
		Time:     now,
		Kind:     kind,
		Proto:    wire.ProtoName(e.Proto),
		Local:    e.Destination.String(),
		Remote:   e.Remote.String(),
		Original: e.Original.String(),
		Source:   source,
	}
}

// Subscriber receives new events via a channel.
type Subscriber struct {
	C  chan Event
	mu sync.Mutex
	// kinds filters delivered events; empty means all.
	kinds map[Kind]bool
}

// SetKinds changes the subscriber's filter. No kinds means all.
func (s *Subscriber) SetKinds(kinds ...Kind) {
	m := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	s.mu.Lock()
	s.kinds = m
	s.mu.Unlock()
}

func (s *Subscriber) wants(k Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kinds) == 0 || s.kinds[k]
}

// Buffer is a fixed-size circular buffer of events with subscriber fan-out.
type Buffer struct {
	mu          sync.Mutex
	events      []Event
	size        int
	pos         int // next write position
	count       int // total events written
	subscribers map[*Subscriber]struct{}
}

// New creates a new circular buffer with the given capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		events:      make([]Event, size),
		size:        size,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Publish stores ev and fans it out to subscribers.
func (b *Buffer) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[b.pos] = ev
	b.pos = (b.pos + 1) % b.size
	b.count++

	for s := range b.subscribers {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.C <- ev:
		default:
			// Drop for slow subscribers.
		}
	}
}

// Recent returns the most recent n events of the given kind, oldest
// first. An empty kind matches all events.
func (b *Buffer) Recent(n int, kind Kind) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.snapshot()
	result := make([]Event, 0, len(all))
	for _, e := range all {
		if kind == "" || e.Kind == kind {
			result = append(result, e)
		}
	}
	if n > 0 && len(result) > n {
		result = result[len(result)-n:]
	}
	return result
}

// Subscribe creates a new subscriber for the given kinds (all when none).
func (b *Buffer) Subscribe(kinds ...Kind) *Subscriber {
	s := &Subscriber{C: make(chan Event, 256)}
	s.SetKinds(kinds...)
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. Its channel is left open.
func (b *Buffer) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return min(b.count, b.size)
}

// snapshot returns all events in chronological order (must be called with lock held).
func (b *Buffer) snapshot() []Event {
	total := min(b.count, b.size)
	result := make([]Event, total)
	start := (b.pos - total + b.size) % b.size
	for i := 0; i < total; i++ {
		result[i] = b.events[(start+i)%b.size]
	}
	return result
}
