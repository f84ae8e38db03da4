// Package metrics collects pipeline telemetry: stage latencies, queue
// depth peaks, output jitter percentiles, and byte counters. A nil
// Collector is valid and records nothing, so sessions carry one
// unconditionally and metrics cost nothing when disabled.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const jitterWindow = 512

// Collector accumulates session telemetry. All methods are safe for
// concurrent use and safe on a nil receiver.
type Collector struct {
	submitted  atomic.Int64
	reaped     atomic.Int64
	staleDrops *xsync.Counter
	copyBytes  *xsync.Counter

	submitNanos atomic.Int64
	reapNanos   atomic.Int64

	queuePeak atomic.Int64

	mu         sync.Mutex
	lastReap   time.Time
	reapGapsNs []int64
	gapCursor  int
}

// NewCollector creates an enabled Collector.
func NewCollector() *Collector {
	return &Collector{
		staleDrops: xsync.NewCounter(),
		copyBytes:  xsync.NewCounter(),
	}
}

// RecordSubmit adds one submission and the time spent in the submit
// stage.
func (c *Collector) RecordSubmit(stage time.Duration) {
	if c == nil {
		return
	}
	c.submitted.Add(1)
	c.submitNanos.Add(stage.Nanoseconds())
}

// RecordReap adds one reaped output, the time spent in the reap stage,
// and the inter-output gap used for jitter percentiles.
func (c *Collector) RecordReap(stage time.Duration) {
	if c == nil {
		return
	}
	c.reaped.Add(1)
	c.reapNanos.Add(stage.Nanoseconds())

	now := time.Now()
	c.mu.Lock()
	if !c.lastReap.IsZero() {
		gap := now.Sub(c.lastReap).Nanoseconds()
		if len(c.reapGapsNs) < jitterWindow {
			c.reapGapsNs = append(c.reapGapsNs, gap)
		} else {
			c.reapGapsNs[c.gapCursor] = gap
			c.gapCursor = (c.gapCursor + 1) % jitterWindow
		}
	}
	c.lastReap = now
	c.mu.Unlock()
}

// RecordStaleDrop counts an output discarded for carrying a retired
// generation.
func (c *Collector) RecordStaleDrop() {
	if c == nil {
		return
	}
	c.staleDrops.Inc()
}

// RecordCopyBytes counts payload bytes copied across the pipeline.
func (c *Collector) RecordCopyBytes(n int) {
	if c == nil {
		return
	}
	c.copyBytes.Add(int64(n))
}

// RecordQueueDepth tracks the peak depth observed on any session queue.
func (c *Collector) RecordQueueDepth(depth int) {
	if c == nil {
		return
	}
	d := int64(depth)
	for {
		cur := c.queuePeak.Load()
		if d <= cur || c.queuePeak.CompareAndSwap(cur, d) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the collected telemetry.
type Snapshot struct {
	Submitted      int64
	Reaped         int64
	StaleDrops     int64
	CopyBytes      int64
	QueuePeakDepth int

	AvgSubmit time.Duration
	AvgReap   time.Duration

	JitterP95 time.Duration
	JitterP99 time.Duration
}

// Snapshot returns the current telemetry. A nil Collector returns the
// zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}

	s := Snapshot{
		Submitted:      c.submitted.Load(),
		Reaped:         c.reaped.Load(),
		StaleDrops:     c.staleDrops.Value(),
		CopyBytes:      c.copyBytes.Value(),
		QueuePeakDepth: int(c.queuePeak.Load()),
	}
	if s.Submitted > 0 {
		s.AvgSubmit = time.Duration(c.submitNanos.Load() / s.Submitted)
	}
	if s.Reaped > 0 {
		s.AvgReap = time.Duration(c.reapNanos.Load() / s.Reaped)
	}

	c.mu.Lock()
	gaps := make([]int64, len(c.reapGapsNs))
	copy(gaps, c.reapGapsNs)
	c.mu.Unlock()

	if len(gaps) > 0 {
		sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
		s.JitterP95 = time.Duration(gaps[pctIndex(len(gaps), 95)])
		s.JitterP99 = time.Duration(gaps[pctIndex(len(gaps), 99)])
	}
	return s
}

func pctIndex(n, pct int) int {
	i := n*pct/100 - 1
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
