/*
Package probe implements the heartbeat and stats endpoints of the
management API.

The heartbeat returns JSON with daemon status, version, uptime and cache
occupancy. It is used by load balancer health checks and by operators to
confirm the daemon is running and observing traffic.
*/
package probe

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ushineko/natpeer/internal/version"
)

// Info provides an interface for the probe to read daemon state.
type Info interface {
	Uptime() time.Duration
	CacheLen() int
	CacheCap() int
	Protocols() []string
	ProbeEnabled() bool
	RequestsTotal() int64
	RequestsActive() int64
}

// HeartbeatResponse is the JSON structure returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Status         string         `json:"status"`
	Service        string         `json:"service"`
	Version        string         `json:"version"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	CacheEntries   int            `json:"cache_entries"`
	CacheCapacity  int            `json:"cache_capacity"`
	Protocols      []string       `json:"protocols"`
	ICMPFallback   bool           `json:"icmp_fallback"`
	RequestsTotal  int64          `json:"requests_total"`
	RequestsActive int64          `json:"requests_active"`
	Resources      ResourcesBlock `json:"resources"`
}

// HeartbeatHandler returns an http.HandlerFunc that serves the heartbeat
// response.
func HeartbeatHandler(info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		protos := info.Protocols()
		if protos == nil {
			protos = []string{}
		}
		writeJSON(w, HeartbeatResponse{
			Status:         "ok",
			Service:        version.Binary,
			Version:        version.Short(),
			UptimeSeconds:  int64(info.Uptime().Seconds()),
			CacheEntries:   info.CacheLen(),
			CacheCapacity:  info.CacheCap(),
			Protocols:      protos,
			ICMPFallback:   info.ProbeEnabled(),
			RequestsTotal:  info.RequestsTotal(),
			RequestsActive: info.RequestsActive(),
			Resources:      collectResources(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v) //nolint:gosec // best-effort response
}
