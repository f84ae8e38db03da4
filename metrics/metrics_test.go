package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.RecordSubmit(time.Millisecond)
	c.RecordReap(time.Millisecond)
	c.RecordStaleDrop()
	c.RecordCopyBytes(1024)
	c.RecordQueueDepth(3)
	require.Equal(t, Snapshot{}, c.Snapshot())
}

func TestCollectorCounts(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordSubmit(2 * time.Millisecond)
	c.RecordSubmit(4 * time.Millisecond)
	c.RecordReap(time.Millisecond)
	c.RecordStaleDrop()
	c.RecordCopyBytes(100)
	c.RecordCopyBytes(28)
	c.RecordQueueDepth(2)
	c.RecordQueueDepth(7)
	c.RecordQueueDepth(4)

	s := c.Snapshot()
	require.EqualValues(t, 2, s.Submitted)
	require.EqualValues(t, 1, s.Reaped)
	require.EqualValues(t, 1, s.StaleDrops)
	require.EqualValues(t, 128, s.CopyBytes)
	require.Equal(t, 7, s.QueuePeakDepth)
	require.Equal(t, 3*time.Millisecond, s.AvgSubmit)
}

func TestCollectorJitterPercentiles(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	for i := 0; i < 20; i++ {
		c.RecordReap(0)
		time.Sleep(time.Millisecond)
	}

	s := c.Snapshot()
	require.Greater(t, s.JitterP95, time.Duration(0))
	require.GreaterOrEqual(t, s.JitterP99, s.JitterP95)
}
