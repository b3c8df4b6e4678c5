package metrics

import (
	"sync"
	"time"

	"grimm.is/reflash/internal/clock"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/logging"
)

// StatsSource is anything that reports flash operation counters.
type StatsSource interface {
	Stats() flash.Stats
}

// Collector periodically copies device counters and uptime into the registry.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	source   StatsSource
	interval time.Duration
	started  time.Time
	clock    clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}

	mu         sync.RWMutex
	lastUpdate time.Time
	last       flash.Stats
}

// NewCollector creates a collector sampling source every interval.
func NewCollector(logger *logging.Logger, source StatsSource, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &Collector{
		registry: Get(),
		logger:   logger,
		source:   source,
		interval: interval,
		clock:    clock.Real,
		started:  clock.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample.
func (c *Collector) Collect() {
	st := c.source.Stats()
	r := c.registry

	r.DeviceOps.WithLabelValues("read").Set(float64(st.Reads))
	r.DeviceOps.WithLabelValues("erase").Set(float64(st.Erases))
	r.DeviceOps.WithLabelValues("program").Set(float64(st.Programs))
	r.DeviceBytes.WithLabelValues("read").Set(float64(st.BytesRead))
	r.DeviceBytes.WithLabelValues("erase").Set(float64(st.BytesErased))
	r.DeviceBytes.WithLabelValues("program").Set(float64(st.BytesProgrammed))
	r.Uptime.Set(c.clock.Since(c.started).Seconds())

	c.mu.Lock()
	c.last = st
	c.lastUpdate = c.clock.Now()
	c.mu.Unlock()
}

// GetDeviceStats returns the last sampled counters.
func (c *Collector) GetDeviceStats() flash.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// GetLastUpdate returns when the last sample was taken.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
