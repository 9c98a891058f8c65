package nexus

import (
	"context"

	"github.com/flowstor/ionexus/pkg/events"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/types"
)

// Destroy tears a nexus down: unshare, cancel every rebuild touching it,
// close each child, persist Shutdown, unregister it from the registry
// (§4.F Destroy). Every step tolerates having already run (a prior failed
// destroy must be re-runnable): Unpublish and each Child.closeHandle are
// already idempotent, and a missing registry entry is not an error.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	n, ok := r.Lookup(name)
	if !ok {
		return nil
	}

	if err := n.Unpublish(ctx); err != nil {
		log.WithNexusName(name).Warn().Err(err).Msg("destroy: unpublish failed, continuing")
	}

	for _, c := range n.childrenSnapshot() {
		if job := c.rebuildJobRef(); job != nil {
			job.ForceStop()
			n.rebuilds.Remove(job.DstURI())
			c.setRebuildJob(nil)
		}
	}

	for _, c := range n.childrenSnapshot() {
		if err := c.closeHandle(); err != nil {
			log.WithNexusName(name).Warn().Err(err).Str("child", c.uri).Msg("destroy: child close failed, continuing")
		}
	}

	n.persistShutdownAsync(ctx)

	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()

	n.mu.Lock()
	wasOpen := n.state != types.NexusClosed
	n.state = types.NexusClosed
	n.mu.Unlock()
	close(n.persistCh)

	if wasOpen {
		metrics.NexusesTotal.WithLabelValues(string(types.NexusOpen)).Dec()
	}
	events.GlobalBroker().Publish(&events.Event{Type: events.EventNexusDestroyed, Message: name})
	log.WithNexusName(name).Info().Msg("nexus destroyed")
	return nil
}
