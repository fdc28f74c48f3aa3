// Package cache keeps a cache of per-flow snapshots. Cache is NOT
// threadsafe.
package cache

import (
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/metrics"
	"github.com/m-lab/tcpkern/snapshot"
)

// Cache is a cache of the most recent snapshot for every known flow.
type Cache struct {
	current  map[fq.FlowID]*snapshot.Snapshot // Cache of most recent snapshots.
	previous map[fq.FlowID]*snapshot.Snapshot // Cache of previous round's snapshots.
	cycles   int64
}

// NewCache creates a cache object with capacity of 1000.
// The map size is adjusted on every sampling round, but we have to start somewhere.
func NewCache() *Cache {
	return &Cache{
		current:  make(map[fq.FlowID]*snapshot.Snapshot, 1000),
		previous: make(map[fq.FlowID]*snapshot.Snapshot, 0),
	}
}

// Update swaps snap with the cache contents, and returns the evicted value.
func (c *Cache) Update(snap *snapshot.Snapshot) *snapshot.Snapshot {
	c.current[snap.FlowID] = snap
	evicted, ok := c.previous[snap.FlowID]
	if ok {
		delete(c.previous, snap.FlowID)
	}
	return evicted
}

// EndCycle marks the completion of updates from one sampling cycle.
// It returns all snapshots whose flow did not appear in the most recent
// cycle.
func (c *Cache) EndCycle() map[fq.FlowID]*snapshot.Snapshot {
	metrics.SnapshotCount.Add(float64(len(c.current)))
	tmp := c.previous
	c.previous = c.current
	// Allocate a bit more than previous size, to accommodate new flows.
	// This will grow and shrink with the number of active flows, but
	// minimize reallocation.
	c.current = make(map[fq.FlowID]*snapshot.Snapshot, len(c.previous)+len(c.previous)/10+10)
	c.cycles++
	return tmp
}

// CycleCount returns the number of times EndCycle() has been called.
func (c *Cache) CycleCount() int64 {
	return c.cycles
}
