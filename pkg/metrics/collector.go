package metrics

import "time"

// NexusSnapshot is the subset of nexus state the collector needs; nexus.Registry
// implements NexusLister by projecting its live nexuses into these values so
// this package never has to import pkg/nexus.
type NexusSnapshot struct {
	Name     string
	State    string
	Children []ChildSnapshot
}

// ChildSnapshot is the per-child state the collector aggregates.
type ChildSnapshot struct {
	State string
}

// PoolSnapshot is the subset of pool state the collector needs.
type PoolSnapshot struct {
	Name         string
	FreeClusters uint64
	LvolCount    int
}

// RebuildSnapshot is the subset of rebuild-job state the collector needs.
type RebuildSnapshot struct {
	Name              string
	State             string
	BlocksTransferred uint64
}

// NexusLister is implemented by the nexus registry.
type NexusLister interface {
	ListNexusSnapshots() []NexusSnapshot
}

// PoolLister is implemented by the pool registry.
type PoolLister interface {
	ListPoolSnapshots() []PoolSnapshot
}

// RebuildLister is implemented by the rebuild job registry.
type RebuildLister interface {
	ListRebuildSnapshots() []RebuildSnapshot
}

// Collector periodically walks the nexus, pool and rebuild registries and
// updates the corresponding gauges, the same way a reconciliation loop pulls
// fresh state on a ticker instead of being pushed every mutation.
type Collector struct {
	nexuses  NexusLister
	pools    PoolLister
	rebuilds RebuildLister
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector over the given registries.
// Any of them may be nil, in which case that collection step is skipped.
func NewCollector(nexuses NexusLister, pools PoolLister, rebuilds RebuildLister) *Collector {
	return &Collector{
		nexuses:  nexuses,
		pools:    pools,
		rebuilds: rebuilds,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNexusMetrics()
	c.collectPoolMetrics()
	c.collectRebuildMetrics()
}

func (c *Collector) collectNexusMetrics() {
	if c.nexuses == nil {
		return
	}
	snapshots := c.nexuses.ListNexusSnapshots()

	stateCounts := make(map[string]int)
	for _, n := range snapshots {
		stateCounts[n.State]++

		childCounts := make(map[string]int)
		for _, ch := range n.Children {
			childCounts[ch.State]++
		}
		for state, count := range childCounts {
			NexusChildrenTotal.WithLabelValues(n.Name, state).Set(float64(count))
		}
	}
	for state, count := range stateCounts {
		NexusesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectPoolMetrics() {
	if c.pools == nil {
		return
	}
	snapshots := c.pools.ListPoolSnapshots()
	PoolsTotal.Set(float64(len(snapshots)))

	for _, p := range snapshots {
		PoolFreeClusters.WithLabelValues(p.Name).Set(float64(p.FreeClusters))
		LvolsTotal.WithLabelValues(p.Name).Set(float64(p.LvolCount))
	}
}

func (c *Collector) collectRebuildMetrics() {
	if c.rebuilds == nil {
		return
	}
	snapshots := c.rebuilds.ListRebuildSnapshots()

	stateCounts := make(map[string]int)
	for _, j := range snapshots {
		stateCounts[j.State]++
		RebuildBlocksTransferred.WithLabelValues(j.Name).Set(float64(j.BlocksTransferred))
	}
	for state, count := range stateCounts {
		RebuildJobsTotal.WithLabelValues(state).Set(float64(count))
	}
}
