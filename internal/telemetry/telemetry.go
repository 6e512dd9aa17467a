// Package telemetry collects local pipeline metrics: per-stage latency
// histograms and intent distribution. Nothing leaves the machine.
package telemetry

import (
	"sync"
	"time"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP5000 LatencyBucket = "p5000" // 500ms-5s
	BucketSlow  LatencyBucket = "slow"  // >=5s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	case ms < 5000:
		return BucketP5000
	default:
		return BucketSlow
	}
}

// StageStats is a snapshot of one stage's latency distribution.
type StageStats struct {
	Count   int64
	Total   time.Duration
	Buckets map[LatencyBucket]int64
}

// Mean returns the average stage duration.
func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// IntentStats is a snapshot of intent classification counts, broken down
// by the cascade tier that decided.
type IntentStats struct {
	Count  int64
	ByTier map[int]int64
}

// Collector accumulates metrics. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	stages  map[string]*stageRecord
	intents map[string]*intentRecord
}

type stageRecord struct {
	count   int64
	total   time.Duration
	buckets map[LatencyBucket]int64
}

type intentRecord struct {
	count  int64
	byTier map[int]int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		stages:  make(map[string]*stageRecord),
		intents: make(map[string]*intentRecord),
	}
}

// RecordStage records one stage execution.
func (c *Collector) RecordStage(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.stages[name]
	if !ok {
		rec = &stageRecord{buckets: make(map[LatencyBucket]int64)}
		c.stages[name] = rec
	}
	rec.count++
	rec.total += d
	rec.buckets[LatencyToBucket(d)]++
}

// RecordIntent records one classification outcome.
func (c *Collector) RecordIntent(label string, tier int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.intents[label]
	if !ok {
		rec = &intentRecord{byTier: make(map[int]int64)}
		c.intents[label] = rec
	}
	rec.count++
	rec.byTier[tier]++
}

// StageSnapshot returns a copy of all stage stats.
func (c *Collector) StageSnapshot() map[string]StageStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]StageStats, len(c.stages))
	for name, rec := range c.stages {
		buckets := make(map[LatencyBucket]int64, len(rec.buckets))
		for b, n := range rec.buckets {
			buckets[b] = n
		}
		out[name] = StageStats{Count: rec.count, Total: rec.total, Buckets: buckets}
	}
	return out
}

// IntentSnapshot returns a copy of all intent stats.
func (c *Collector) IntentSnapshot() map[string]IntentStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]IntentStats, len(c.intents))
	for label, rec := range c.intents {
		byTier := make(map[int]int64, len(rec.byTier))
		for t, n := range rec.byTier {
			byTier[t] = n
		}
		out[label] = IntentStats{Count: rec.count, ByTier: byTier}
	}
	return out
}
