package nexus

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/types"
)

const nexusInfoBucket = "nexus_info"

// persistJob is one write to the nexus-info bucket, processed FIFO by the
// per-nexus persistence goroutine started in Registry.Create.
type persistJob struct {
	info     types.NexusInfo
	resultCh chan error // nil for fire-and-forget
}

// runPersistLoop is the single consumer that gives every nexus-info write
// per-nexus ordering (§4.H: "writes must be ordered with respect to the
// transition they record").
func (n *Nexus) runPersistLoop() {
	ctx := context.Background()
	for job := range n.persistCh {
		raw, err := json.Marshal(job.info)
		var writeErr error
		if err != nil {
			writeErr = ioerr.Wrap(ioerr.PersistentStoreSerialise, n.name, err)
		} else if n.st != nil {
			writeErr = n.st.Put(ctx, nexusInfoBucket, []byte(n.uuid), raw)
			if writeErr != nil {
				writeErr = ioerr.Wrap(ioerr.PersistentStorePut, n.name, writeErr)
			}
		}
		if job.resultCh != nil {
			job.resultCh <- writeErr
			close(job.resultCh)
		} else if writeErr != nil {
			log.WithNexusName(n.name).Error().Err(writeErr).Msg("nexus-info persist failed")
		}
	}
}

// buildNexusInfo snapshots the current children into the persisted
// NexusInfo shape, bumping the per-nexus generation counter.
func (n *Nexus) buildNexusInfo(shutdown bool) types.NexusInfo {
	gen := atomic.AddUint64(&n.generation, 1) - 1

	n.childrenMu.RLock()
	defer n.childrenMu.RUnlock()

	children := make([]types.NexusInfoChild, 0, len(n.children))
	for _, c := range n.children {
		snap := c.Snapshot()
		children = append(children, types.NexusInfoChild{
			URI:             snap.URI,
			Healthy:         snap.State == types.ChildOpen,
			LastFaultReason: string(snap.Reason),
			Generation:      gen,
		})
	}
	return types.NexusInfo{NexusUUID: n.uuid, Children: children, Shutdown: shutdown}
}

// persistCreate blocks until the Create record has been acknowledged by the
// store (§4.H: "the in-memory state becomes externally visible only after
// the write has been acknowledged for Create").
func (n *Nexus) persistCreate(ctx context.Context) error {
	resultCh := make(chan error, 1)
	info := n.buildNexusInfo(false)
	select {
	case n.persistCh <- persistJob{info: info, resultCh: resultCh}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistUpdateAsync fires an Update write without waiting for
// acknowledgement, but preserves per-nexus ordering via the single
// consumer goroutine.
func (n *Nexus) persistUpdateAsync(ctx context.Context) {
	info := n.buildNexusInfo(false)
	select {
	case n.persistCh <- persistJob{info: info}:
	default:
		log.WithNexusName(n.name).Warn().Msg("nexus-info persist queue full, dropping update")
	}
}

// persistShutdownAsync fires the terminal Shutdown record.
func (n *Nexus) persistShutdownAsync(ctx context.Context) {
	info := n.buildNexusInfo(true)
	select {
	case n.persistCh <- persistJob{info: info}:
	default:
		log.WithNexusName(n.name).Warn().Msg("nexus-info persist queue full, dropping shutdown")
	}
}
