package metrics

import (
	"context"
	"math"
	"time"

	"github.com/gridrepl/gridrepl/internal/channel"
)

// ChannelSource provides the channel graph to sample.
type ChannelSource interface {
	Channels() []channel.Channel
}

// OperationCounter reports how many operations the agent is advancing.
type OperationCounter interface {
	ActiveOperations() int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Channels   ChannelSource
	Operations OperationCounter
}

// Collector periodically samples the scheduler state into gauges.
type Collector struct {
	metrics    *SchedulerMetrics
	channels   ChannelSource
	operations OperationCounter

	// Channels seen in the previous collection, to drop removed ones
	lastChannels map[channel.ID]bool
}

// NewCollector creates a new metrics collector.
func NewCollector(m *SchedulerMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:      m,
		channels:     cfg.Channels,
		operations:   cfg.Operations,
		lastChannels: make(map[channel.ID]bool),
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	c.collectChannelStats()
	c.collectOperationStats()
}

func (c *Collector) collectChannelStats() {
	if c.channels == nil {
		return
	}

	seen := make(map[channel.ID]bool)
	for _, ch := range c.channels.Channels() {
		id := string(ch.ID)
		seen[ch.ID] = true

		tts := ch.TimeToStart()
		if math.IsInf(tts, 0) {
			// No throughput data yet
			tts = -1
		}
		c.metrics.ChannelTimeToStart.WithLabelValues(id).Set(tts)
		c.metrics.ChannelQueuedFiles.WithLabelValues(id).Set(float64(ch.QueuedFiles))
	}

	// The graph is rebuilt every cycle; forget channels that disappeared.
	for id := range c.lastChannels {
		if !seen[id] {
			c.metrics.ChannelTimeToStart.DeleteLabelValues(string(id))
			c.metrics.ChannelQueuedFiles.DeleteLabelValues(string(id))
		}
	}
	c.lastChannels = seen
}

func (c *Collector) collectOperationStats() {
	if c.operations == nil {
		return
	}
	c.metrics.ActiveOperations.Set(float64(c.operations.ActiveOperations()))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
