/*
Package stats provides in-memory counters and SQLite persistence for
address recovery statistics.

The Collector accumulates packet, recovery, rejection and lookup counters
in memory using atomic operations for lock-free increments on the packet
path. A background flush loop periodically writes deltas to a SQLite
database for persistence across restarts, alongside an audit table of
individual recoveries.
*/
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Recovery sources.
const (
	SourceOption = "option"
	SourceProbe  = "probe"
)

// DefaultMaxClients is the number of distinct original clients counted
// individually when no limit is set.
const DefaultMaxClients = 4096

// OtherClients is the client bucket that absorbs recoveries for clients
// beyond the limit.
const OtherClients = "other"

// Collector accumulates in-memory recovery statistics.
type Collector struct {
	// Packets seen by the inspector.
	Packets atomic.Int64
	// Packets that matched an already-tracked connection.
	Matched atomic.Int64
	// Probes consumed.
	Consumed atomic.Int64
	// Entries removed by reclamation.
	Evicted atomic.Int64
	// Inserts refused because the cache was full.
	Refused atomic.Int64
	// Defects recovered from on the packet path.
	Defects atomic.Int64

	// Substitution lookups and hits.
	Lookups     atomic.Int64
	Substituted atomic.Int64

	// Per-source recovery counts ("option", "probe").
	recovered sync.Map // string -> *atomic.Int64

	// Per-reason rejection counts.
	rejected sync.Map // string -> *atomic.Int64

	// Per-original-client recovery counts, at most maxClients keys plus
	// OtherClients.
	clients     sync.Map // string -> *atomic.Int64
	clientCount atomic.Int64
	maxClients  atomic.Int64

	sampler sampler
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, &atomic.Int64{})
	v.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

func snapshot(m *sync.Map) []Count {
	var out []Count
	m.Range(func(key, value any) bool {
		name, _ := key.(string)             //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, Count{Name: name, Count: counter.Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func total(m *sync.Map) int64 {
	var n int64
	m.Range(func(_, value any) bool {
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		n += counter.Load()
		return true
	})
	return n
}

// SetMaxClients sets the number of distinct clients counted individually.
// Clients already counted keep their keys. n < 1 restores the default.
func (c *Collector) SetMaxClients(n int) {
	if n < 1 {
		n = DefaultMaxClients
	}
	c.maxClients.Store(int64(n))
}

// MaxClients returns the per-client limit.
func (c *Collector) MaxClients() int {
	if n := c.maxClients.Load(); n > 0 {
		return int(n)
	}
	return DefaultMaxClients
}

// RecordRecovery records a new entry created from source for client.
func (c *Collector) RecordRecovery(source, clientIP string) {
	incr(&c.recovered, source)
	if clientIP != "" {
		c.recordClient(clientIP)
	}
}

// recordClient counts one recovery for ip. A new ip takes a slot only
// while fewer than MaxClients are tracked; otherwise it lands in
// OtherClients.
func (c *Collector) recordClient(ip string) {
	if v, ok := c.clients.Load(ip); ok {
		v.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
		return
	}
	if ip == OtherClients || !c.reserveClient() {
		incr(&c.clients, OtherClients)
		return
	}
	v, loaded := c.clients.LoadOrStore(ip, &atomic.Int64{})
	if loaded {
		c.clientCount.Add(-1)
	}
	v.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

func (c *Collector) reserveClient() bool {
	limit := int64(c.MaxClients())
	for {
		n := c.clientCount.Load()
		if n >= limit {
			return false
		}
		if c.clientCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// RecordRejection records a packet passed through for reason.
func (c *Collector) RecordRejection(reason string) {
	incr(&c.rejected, reason)
}

// RecordLookup records a substitution query and whether it hit.
func (c *Collector) RecordLookup(hit bool) {
	c.Lookups.Add(1)
	if hit {
		c.Substituted.Add(1)
	}
}

// Count holds a counter name and value.
type Count struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// SnapshotRecoveries returns per-source recovery counts.
func (c *Collector) SnapshotRecoveries() []Count { return snapshot(&c.recovered) }

// SnapshotRejections returns per-reason rejection counts.
func (c *Collector) SnapshotRejections() []Count { return snapshot(&c.rejected) }

// SnapshotClients returns per-original-client recovery counts.
func (c *Collector) SnapshotClients() []Count { return snapshot(&c.clients) }

// TotalRecoveries returns the sum of all recovery counts.
func (c *Collector) TotalRecoveries() int64 { return total(&c.recovered) }

// TotalRejections returns the sum of all rejection counts.
func (c *Collector) TotalRejections() int64 { return total(&c.rejected) }

// Totals is a point-in-time view of the scalar counters.
type Totals struct {
	Packets     int64 `json:"packets"`
	Matched     int64 `json:"matched"`
	Recovered   int64 `json:"recovered"`
	Rejected    int64 `json:"rejected"`
	Consumed    int64 `json:"consumed"`
	Evicted     int64 `json:"evicted"`
	Refused     int64 `json:"refused"`
	Defects     int64 `json:"defects"`
	Lookups     int64 `json:"lookups"`
	Substituted int64 `json:"substituted"`
}

// Totals returns the current scalar counters.
func (c *Collector) Totals() Totals {
	return Totals{
		Packets:     c.Packets.Load(),
		Matched:     c.Matched.Load(),
		Recovered:   c.TotalRecoveries(),
		Rejected:    c.TotalRejections(),
		Consumed:    c.Consumed.Load(),
		Evicted:     c.Evicted.Load(),
		Refused:     c.Refused.Load(),
		Defects:     c.Defects.Load(),
		Lookups:     c.Lookups.Load(),
		Substituted: c.Substituted.Load(),
	}
}

// counters flattens every counter into name -> value for persistence.
// Keyed counters are prefixed with their family.
func (c *Collector) counters() map[string]int64 {
	t := c.Totals()
	out := map[string]int64{
		"packets":     t.Packets,
		"matched":     t.Matched,
		"consumed":    t.Consumed,
		"evicted":     t.Evicted,
		"refused":     t.Refused,
		"defects":     t.Defects,
		"lookups":     t.Lookups,
		"substituted": t.Substituted,
	}
	for _, rc := range c.SnapshotRecoveries() {
		out["recovered:"+rc.Name] = rc.Count
	}
	for _, rc := range c.SnapshotRejections() {
		out["rejected:"+rc.Name] = rc.Count
	}
	return out
}
