package probe

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ushineko/natpeer/internal/stats"
)

const (
	defaultTopN    = 10
	maxTopN        = 1000
	historyWindow  = 24 * time.Hour
	defaultRecentN = 20
)

// StatsProvider gathers what the stats endpoint reports. StatsDB is nil
// when persistence is disabled.
type StatsProvider struct {
	Info      Info
	Collector *stats.Collector
	StatsDB   *stats.DB
}

// StatsResponse is the JSON structure returned by the stats endpoint.
type StatsResponse struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	Cache         CacheBlock      `json:"cache"`
	Totals        stats.Totals    `json:"totals"`
	Recoveries    []stats.Count   `json:"recoveries"`
	Rejections    []stats.Count   `json:"rejections"`
	TopClients    []stats.Count   `json:"top_clients"`
	Watermarks    WatermarksBlock `json:"watermarks"`
	History       *HistoryBlock   `json:"history,omitempty"`
}

// CacheBlock describes connection cache occupancy.
type CacheBlock struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"`
}

// HistoryBlock holds persisted statistics.
type HistoryBlock struct {
	Since            time.Time        `json:"since"`
	Counters         []stats.Count    `json:"counters"`
	RecentRecoveries []stats.Recovery `json:"recent_recoveries"`
}

// StatsHandler returns an http.HandlerFunc that serves counters. The
// query parameter n bounds the top client list (default 10).
func StatsHandler(p *StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultTopN
		if s := r.URL.Query().Get("n"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				n = min(v, maxTopN)
			}
		}

		resp := StatsResponse{
			UptimeSeconds: int64(p.Info.Uptime().Seconds()),
			Cache: CacheBlock{
				Entries:  p.Info.CacheLen(),
				Capacity: p.Info.CacheCap(),
			},
			Totals:     p.Collector.Totals(),
			Recoveries: nonNil(p.Collector.SnapshotRecoveries()),
			Rejections: nonNil(p.Collector.SnapshotRejections()),
			Watermarks: WatermarksBlock{
				PeakPacketsPerSec:     p.Collector.PeakPacketsPerSec(),
				PeakRecoveriesPerTick: p.Collector.PeakRecoveriesPerTick(),
			},
		}

		if p.StatsDB != nil {
			resp.TopClients = p.StatsDB.MergedTopClients(n)
			since := time.Now().Add(-historyWindow)
			resp.History = &HistoryBlock{
				Since:            since,
				Counters:         nonNil(p.StatsDB.CountersSince(since)),
				RecentRecoveries: p.StatsDB.RecentRecoveries(defaultRecentN),
			}
			if resp.History.RecentRecoveries == nil {
				resp.History.RecentRecoveries = []stats.Recovery{}
			}
		} else {
			clients := p.Collector.SnapshotClients()
			if len(clients) > n {
				clients = clients[:n]
			}
			resp.TopClients = clients
		}
		resp.TopClients = nonNil(resp.TopClients)

		writeJSON(w, resp)
	}
}

func nonNil(c []stats.Count) []stats.Count {
	if c == nil {
		return []stats.Count{}
	}
	return c
}
