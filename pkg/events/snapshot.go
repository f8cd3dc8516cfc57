package events

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/parapet-ai/parapet/pkg/audit"
	"github.com/parapet-ai/parapet/pkg/cache"
	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/limits/ratelimit"
)

// Snapshot is the aggregated observability view pushed on every tick
// and on explicit request.
type Snapshot struct {
	At             time.Time              `json:"at"`
	Totals         *audit.Stats           `json:"totals"`
	Cache          cache.Stats            `json:"cache"`
	RateLimit      ratelimit.Stats        `json:"rate_limit"`
	System         SystemMetrics          `json:"system"`
	RecentActivity []ActivitySample       `json:"recent_activity"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// SystemMetrics is a minimal process health sample.
type SystemMetrics struct {
	HeapUsedBytes  uint64  `json:"heap_used_bytes"`
	HeapTotalBytes uint64  `json:"heap_total_bytes"`
	HeapUsedRatio  float64 `json:"heap_used_ratio"`
	Goroutines     int     `json:"goroutines"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// ActivitySample is one entry of the recent-activity ring: the request
// count delta between two adjacent ticks.
type ActivitySample struct {
	At    time.Time `json:"at"`
	Delta int64     `json:"delta"`
}

// Alert thresholds.
const (
	heapWarnRatio   = 0.8
	hitRateInfoLine = 0.3
)

// Collector samples the shared components on a fixed interval, maintains
// the recent-activity ring, publishes monitoring-update and alert
// messages, and answers on-demand snapshot requests.
type Collector struct {
	bus      *Bus
	store    audit.Store
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	clk      clock.Clock
	interval time.Duration
	started  time.Time

	mu         sync.Mutex
	ring       []ActivitySample
	ringSize   int
	lastTotal  int64
	haveSample bool
}

// NewCollector wires a collector to the observable components.
func NewCollector(bus *Bus, store audit.Store, c *cache.Cache, l *ratelimit.Limiter, clk clock.Clock, interval time.Duration, ringSize int) *Collector {
	return &Collector{
		bus:      bus,
		store:    store,
		cache:    c,
		limiter:  l,
		clk:      clk,
		interval: interval,
		started:  clk.Now(),
		ringSize: ringSize,
	}
}

// Run ticks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick takes one sample, updates the activity ring, and publishes the
// snapshot plus any tripped alerts.
func (c *Collector) Tick(ctx context.Context) {
	snap := c.Snapshot(ctx)
	c.bus.Publish(Message{Type: TypeMonitoringUpdate, Payload: snap})

	for _, alert := range c.checkAlerts(snap) {
		c.bus.Publish(Message{Type: TypeAlert, Payload: alert})
	}
}

// Snapshot assembles the aggregate view and records an activity sample.
func (c *Collector) Snapshot(ctx context.Context) *Snapshot {
	now := c.clk.Now()

	totals, err := c.store.Stats(ctx)
	if err != nil {
		totals = &audit.Stats{ByAction: map[audit.Action]int64{}, ByProvider: map[string]int64{}}
	}

	c.mu.Lock()
	// Δtotal between adjacent ticks, floored at 0 so a counter reset
	// cannot produce a negative bar.
	if c.haveSample {
		delta := totals.Total - c.lastTotal
		if delta < 0 {
			delta = 0
		}
		c.ring = append(c.ring, ActivitySample{At: now, Delta: delta})
		if len(c.ring) > c.ringSize {
			c.ring = c.ring[len(c.ring)-c.ringSize:]
		}
	}
	c.lastTotal = totals.Total
	c.haveSample = true
	activity := make([]ActivitySample, len(c.ring))
	copy(activity, c.ring)
	c.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	system := SystemMetrics{
		HeapUsedBytes:  mem.HeapAlloc,
		HeapTotalBytes: mem.HeapSys,
		Goroutines:     runtime.NumGoroutine(),
		UptimeSeconds:  int64(now.Sub(c.started).Seconds()),
	}
	if mem.HeapSys > 0 {
		system.HeapUsedRatio = float64(mem.HeapAlloc) / float64(mem.HeapSys)
	}

	return &Snapshot{
		At:             now,
		Totals:         totals,
		Cache:          c.cache.Stats(),
		RateLimit:      c.limiter.Stats(),
		System:         system,
		RecentActivity: activity,
	}
}

func (c *Collector) checkAlerts(snap *Snapshot) []Alert {
	var alerts []Alert

	if snap.System.HeapUsedRatio > heapWarnRatio {
		alerts = append(alerts, Alert{
			Level:   "warning",
			Message: "heap usage above 80%",
			At:      snap.At,
		})
	}

	if snap.Cache.TotalRequests > 0 && snap.Cache.HitRate < hitRateInfoLine {
		alerts = append(alerts, Alert{
			Level:   "info",
			Message: "cache hit rate below 30%",
			At:      snap.At,
		})
	}

	return alerts
}
