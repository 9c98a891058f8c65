package nexus

import (
	"context"
	"sync"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/devmon"
	"github.com/flowstor/ionexus/pkg/events"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/rebuild"
	"github.com/flowstor/ionexus/pkg/types"
)

// Child is one backing bdev of a Nexus. It owns its BlockDeviceHandle
// exclusively while Open or Faulted; closing drops the handle
// deterministically (§3).
type Child struct {
	mu         sync.RWMutex
	uri        string
	handle     bdev.Handle
	state      types.ChildState
	reason     types.FaultReason
	rebuildJob *rebuild.Job
}

// URI returns the child's device-factory URI.
func (c *Child) URI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uri
}

// State returns the child's current lifecycle state.
func (c *Child) State() types.ChildState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns a point-in-time view of the child.
func (c *Child) Snapshot() types.Child {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jobName := ""
	if c.rebuildJob != nil {
		jobName = c.rebuildJob.Name()
	}
	return types.Child{URI: c.uri, State: c.state, Reason: c.reason, RebuildJob: jobName}
}

func (c *Child) rebuildJobRef() *rebuild.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rebuildJob
}

func (c *Child) setRebuildJob(j *rebuild.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildJob = j
}

func (c *Child) closeHandle() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.state = types.ChildClosed
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return ioerr.Wrap(ioerr.CloseChild, c.uri, err)
	}
	return nil
}

// closeHandleIfFaulted drops the device handle of a child the device monitor
// is retiring, leaving state and reason untouched: Faulted is persistent
// until an explicit rebuild brings the child back Open (§4.F), a
// RemoveDevice command must not downgrade that to Closed. If the child is no
// longer Faulted — a rebuild already reopened it before this queued command
// reached the front of the monitor — the command targets a device that no
// longer exists and is a no-op, so a stale retire never tears down a freshly
// rebuilt handle.
func (c *Child) closeHandleIfFaulted() error {
	c.mu.Lock()
	if c.state != types.ChildFaulted {
		c.mu.Unlock()
		return nil
	}
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return ioerr.Wrap(ioerr.CloseChild, c.uri, err)
	}
	return nil
}

// openChildrenSnapshot returns every currently Open child, with its handle,
// safe to use for one I/O dispatch round.
func (n *Nexus) openChildrenSnapshot() []*Child {
	n.childrenMu.RLock()
	defer n.childrenMu.RUnlock()
	out := make([]*Child, 0, len(n.children))
	for _, c := range n.children {
		if c.State() == types.ChildOpen {
			out = append(out, c)
		}
	}
	return out
}

func (n *Nexus) findChild(uri string) *Child {
	n.childrenMu.RLock()
	defer n.childrenMu.RUnlock()
	for _, c := range n.children {
		if c.uri == uri {
			return c
		}
	}
	return nil
}

// retireChild executes the §4.F child-retire sequence: fault the child,
// reconfigure the per-reactor channel cache, pause the nexus, enqueue a
// destroy-device command on the device monitor, persist the new
// generation, then resume the nexus.
func (n *Nexus) retireChild(ctx context.Context, c *Child, reason types.FaultReason) {
	c.mu.Lock()
	if c.state == types.ChildFaulted {
		c.mu.Unlock()
		return
	}
	c.state = types.ChildFaulted
	c.reason = reason
	c.mu.Unlock()

	metrics.ChildFaultsTotal.WithLabelValues(string(reason)).Inc()
	log.WithNexusName(n.name).Error().Str("child", c.uri).Str("reason", string(reason)).Msg("child faulted")

	n.reconfigure(ctx)

	if err := n.Pause(ctx); err != nil {
		log.WithNexusName(n.name).Warn().Err(err).Msg("child retire: pause failed")
	}

	n.monitor.Enqueue(devmon.RemoveDevice{NexusName: n.name, ChildDevice: c.uri})

	n.persistUpdateAsync(ctx)

	if err := n.Resume(ctx); err != nil {
		log.WithNexusName(n.name).Warn().Err(err).Msg("child retire: resume failed")
	}
}

// FaultChild is the admin-requested counterpart to retireChild (the RPC
// surface's "fault-child" call), reason always Rpc.
func (n *Nexus) FaultChild(ctx context.Context, uri string) error {
	c := n.findChild(uri)
	if c == nil {
		return ioerr.New(ioerr.NotFound, uri)
	}
	open := n.openChildrenSnapshot()
	if c.State() == types.ChildOpen && len(open) <= 1 {
		return ioerr.New(ioerr.FaultingLastHealthyChild, uri)
	}
	n.retireChild(ctx, c, types.FaultRPC)
	return nil
}

// StartRebuild locates a faulted child and a surviving healthy peer, builds
// a rebuild job and starts it, transitioning the child back to Open on
// success (§8 scenario 4). At most one job may target a given destination
// at a time (enforced by the rebuild registry).
func (n *Nexus) StartRebuild(ctx context.Context, childURI string) (*rebuild.Job, error) {
	dst := n.findChild(childURI)
	if dst == nil {
		return nil, ioerr.New(ioerr.NotFound, childURI)
	}
	if dst.State() != types.ChildFaulted {
		return nil, ioerr.New(ioerr.InvalidArgument, "child "+childURI+" is not faulted")
	}
	open := n.openChildrenSnapshot()
	if len(open) == 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "no healthy child to rebuild from")
	}
	src := open[0]

	job, err := rebuild.NewBuilder().Build(ctx, n.name+"-rebuild-"+dst.uri, src.uri, dst.uri)
	if err != nil {
		return nil, err
	}
	if err := n.rebuilds.Store(job); err != nil {
		return nil, err
	}
	dst.setRebuildJob(job)

	if err := job.Start(ctx); err != nil {
		n.rebuilds.Remove(job.DstURI())
		dst.setRebuildJob(nil)
		return nil, err
	}

	events.GlobalBroker().Publish(&events.Event{Type: events.EventRebuildStarted, Message: job.Name()})
	go n.watchRebuild(ctx, dst, job)
	return job, nil
}

func (n *Nexus) watchRebuild(ctx context.Context, dst *Child, job *rebuild.Job) {
	_ = job.Wait(ctx)
	defer func() {
		n.rebuilds.Remove(job.DstURI())
		dst.setRebuildJob(nil)
	}()

	if job.State() != types.RebuildCompleted {
		events.GlobalBroker().Publish(&events.Event{Type: events.EventRebuildFailed, Message: job.Name()})
		return
	}

	h, err := bdev.Open(ctx, dst.uri, true, true)
	if err != nil {
		log.WithNexusName(n.name).Error().Err(err).Msg("rebuild completed but reopening child failed")
		return
	}
	dst.mu.Lock()
	dst.handle = bdev.Faulty(h)
	dst.state = types.ChildOpen
	dst.reason = types.FaultNone
	dst.mu.Unlock()

	n.reconfigure(ctx)
	n.persistUpdateAsync(ctx)
	events.GlobalBroker().Publish(&events.Event{Type: events.EventRebuildComplete, Message: job.Name()})
	log.WithNexusName(n.name).Info().Str("child", dst.uri).Msg("child rebuilt, returned to Open")
}

// AddChild opens a new child device and appends it to the nexus, validating
// that its geometry still matches the existing children.
func (n *Nexus) AddChild(ctx context.Context, uri string) error {
	h, err := bdev.Open(ctx, uri, true, true)
	if err != nil {
		return ioerr.Wrap(ioerr.CreateChild, uri, err)
	}
	c := &Child{uri: uri, handle: bdev.Faulty(h), state: types.ChildOpen}

	n.childrenMu.Lock()
	if err := validateGeometry(append(append([]*Child{}, n.children...), c), n.sizeBytes); err != nil {
		n.childrenMu.Unlock()
		h.Close()
		return err
	}
	n.children = append(n.children, c)
	n.childrenMu.Unlock()

	n.reconfigure(ctx)
	n.persistUpdateAsync(ctx)
	metrics.NexusChildrenTotal.WithLabelValues(n.name, string(types.ChildOpen)).Inc()
	return nil
}

// RemoveChild removes a child from the nexus. Removing the last Open child
// is refused (§8 boundary behavior: DestroyLastChild, child count
// unchanged).
func (n *Nexus) RemoveChild(ctx context.Context, uri string) error {
	n.childrenMu.Lock()
	var target *Child
	idx := -1
	openCount := 0
	for i, c := range n.children {
		if c.State() == types.ChildOpen {
			openCount++
		}
		if c.uri == uri {
			target = c
			idx = i
		}
	}
	if target == nil {
		n.childrenMu.Unlock()
		return ioerr.New(ioerr.NotFound, uri)
	}
	if target.State() == types.ChildOpen && openCount <= 1 {
		n.childrenMu.Unlock()
		return ioerr.New(ioerr.DestroyLastChild, uri)
	}
	n.children = append(n.children[:idx], n.children[idx+1:]...)
	n.childrenMu.Unlock()

	target.closeHandle()
	n.reconfigure(ctx)
	n.persistUpdateAsync(ctx)
	metrics.NexusChildrenTotal.WithLabelValues(n.name, string(target.State())).Dec()
	return nil
}

// childrenSnapshot returns every child regardless of state, for destroy and
// listing paths.
func (n *Nexus) childrenSnapshot() []*Child {
	n.childrenMu.RLock()
	defer n.childrenMu.RUnlock()
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}
