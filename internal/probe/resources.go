package probe

import "runtime"

// ResourcesBlock holds process resource metrics. Descriptor counts are -1
// where the platform cannot report them.
type ResourcesBlock struct {
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	MemHeapInuse float64 `json:"mem_heap_inuse_mb"`
	NumGC        uint32  `json:"num_gc"`
	Goroutines   int     `json:"goroutines"`
	GOMAXPROCS   int     `json:"gomaxprocs"`
	OpenFDs      int     `json:"open_fds"`
	Sockets      int     `json:"sockets"`
	MaxFDs       int     `json:"max_fds"`
}

// WatermarksBlock holds peak throughput values since process startup.
type WatermarksBlock struct {
	PeakPacketsPerSec     float64 `json:"peak_packets_per_sec"`
	PeakRecoveriesPerTick int64   `json:"peak_recoveries_per_sec"`
}

func mb(b uint64) float64 { return float64(b) / (1 << 20) }

func collectResources() ResourcesBlock {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	open, sockets := countFDs()
	return ResourcesBlock{
		MemAllocMB:   mb(m.Alloc),
		MemSysMB:     mb(m.Sys),
		MemHeapInuse: mb(m.HeapInuse),
		NumGC:        m.NumGC,
		Goroutines:   runtime.NumGoroutine(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		OpenFDs:      open,
		Sockets:      sockets,
		MaxFDs:       getMaxFDs(),
	}
}
