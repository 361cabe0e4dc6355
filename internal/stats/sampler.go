package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const sampleInterval = time.Second

// sampler tracks per-second rate watermarks.
type sampler struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}

	peakPackets    atomic.Uint64 // float64 bits
	peakRecoveries atomic.Int64
}

// StartSampler begins sampling packet and recovery rates once per second.
func (c *Collector) StartSampler() {
	c.sampler.once.Do(func() {
		c.sampler.stop = make(chan struct{})
		c.sampler.done = make(chan struct{})
		go c.sampleLoop()
	})
}

// StopSampler stops the sampler and waits for it to exit.
func (c *Collector) StopSampler() {
	if c.sampler.stop == nil {
		return
	}
	select {
	case <-c.sampler.stop:
	default:
		close(c.sampler.stop)
	}
	<-c.sampler.done
}

func (c *Collector) sampleLoop() {
	defer close(c.sampler.done)

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	lastAt := time.Now()
	lastPackets := c.Packets.Load()
	lastRecoveries := c.TotalRecoveries()

	for {
		select {
		case <-c.sampler.stop:
			return
		case now := <-ticker.C:
			packets := c.Packets.Load()
			recoveries := c.TotalRecoveries()
			secs := now.Sub(lastAt).Seconds()
			if secs > 0 {
				rate := float64(packets-lastPackets) / secs
				for {
					old := c.sampler.peakPackets.Load()
					if rate <= math.Float64frombits(old) ||
						c.sampler.peakPackets.CompareAndSwap(old, math.Float64bits(rate)) {
						break
					}
				}
			}
			if d := recoveries - lastRecoveries; d > c.sampler.peakRecoveries.Load() {
				c.sampler.peakRecoveries.Store(d)
			}
			lastAt, lastPackets, lastRecoveries = now, packets, recoveries
		}
	}
}

// PeakPacketsPerSec returns the highest inspected-packet rate sampled.
func (c *Collector) PeakPacketsPerSec() float64 {
	return math.Float64frombits(c.sampler.peakPackets.Load())
}

// PeakRecoveriesPerTick returns the most recoveries seen in one sample
// interval.
func (c *Collector) PeakRecoveriesPerTick() int64 {
	return c.sampler.peakRecoveries.Load()
}
