// Package nexus implements the mirroring virtual block device of §4.F: it
// fans writes out to N children, reads from one healthy child, tracks
// per-child health, and supports quiesce for administrative operations.
//
// Grounded on the teacher's pkg/manager.Manager for "a single struct
// holding a mutex-guarded map of live entities plus a persistent-store
// handle", and on original_source/mayastor/src/bdev/nexus/nexus_bdev.rs for
// the exact state enums and the insert-into-registry-before-open creation
// ordering.
package nexus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/devmon"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/reactor"
	"github.com/flowstor/ionexus/pkg/rebuild"
	"github.com/flowstor/ionexus/pkg/share"
	"github.com/flowstor/ionexus/pkg/store"
	"github.com/flowstor/ionexus/pkg/types"
)

// DataOffsetBytes is the per-child metadata reservation a real nexus would
// keep for its own label/superblock region. This Go port carries no
// separate label persistence, so the offset is zero; the
// field exists so the §3 invariant `size_bytes <= min(child.size) -
// data_offset` is checked the way the original does even though the
// subtracted quantity is currently always zero.
const DataOffsetBytes = 0

// Nexus is a mirroring virtual block device over N children.
type Nexus struct {
	name      string
	uuid      string
	sizeBytes uint64
	blockSize uint32

	nvmeParams types.NexusNvmeParams

	mu       sync.RWMutex // guards state
	state    types.NexusState
	pauseMu  sync.Mutex // guards pause and waiters
	pause    types.NexusPauseState
	waiters  []chan struct{}

	childrenMu sync.RWMutex
	children   []*Child

	shareMu    sync.Mutex
	shareState *types.ShareTarget
	shareKey   string
	shareSvc   share.Target

	readRR uint64

	reactors *reactor.Pool
	monitor  *devmon.Monitor
	st       store.Store
	rebuilds *rebuild.Registry

	persistCh chan persistJob
	generation uint64
}

// Registry is the process-wide set of live nexuses, keyed by name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Nexus

	reactors *reactor.Pool
	st       store.Store
	shareSvc share.Target
	rebuilds *rebuild.Registry
	monitor  *devmon.Monitor
}

// NewRegistry creates an empty nexus registry wired to the shared reactor
// pool, persistent store, share target and rebuild-job registry.
func NewRegistry(reactors *reactor.Pool, st store.Store, shareSvc share.Target, rebuilds *rebuild.Registry) *Registry {
	r := &Registry{
		byName:   make(map[string]*Nexus),
		reactors: reactors,
		st:       st,
		shareSvc: shareSvc,
		rebuilds: rebuilds,
	}
	r.monitor = devmon.New(r.lookupHandle, reactors.Primary(), 256)
	r.monitor.Start()
	return r
}

// lookupHandle adapts Registry.Lookup to devmon.Lookup's interface return
// type.
func (r *Registry) lookupHandle(name string) (devmon.NexusHandle, bool) {
	n, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return n, true
}

// Lookup finds a live nexus by name.
func (r *Registry) Lookup(name string) (*Nexus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byName[name]
	return n, ok
}

// List returns every live nexus.
func (r *Registry) List() []*Nexus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Nexus, 0, len(r.byName))
	for _, n := range r.byName {
		out = append(out, n)
	}
	return out
}

// Stop halts the registry's device monitor; used at process shutdown.
func (r *Registry) Stop() {
	r.monitor.Stop()
}

// ListNexusSnapshots implements metrics.NexusLister by projecting every
// live nexus into the collector's domain-agnostic snapshot shape.
func (r *Registry) ListNexusSnapshots() []metrics.NexusSnapshot {
	r.mu.RLock()
	nexuses := make([]*Nexus, 0, len(r.byName))
	for _, n := range r.byName {
		nexuses = append(nexuses, n)
	}
	r.mu.RUnlock()

	out := make([]metrics.NexusSnapshot, 0, len(nexuses))
	for _, n := range nexuses {
		snap := n.Snapshot()
		children := make([]metrics.ChildSnapshot, 0, len(snap.Children))
		for _, c := range snap.Children {
			children = append(children, metrics.ChildSnapshot{State: string(c.State)})
		}
		out = append(out, metrics.NexusSnapshot{
			Name:     snap.Name,
			State:    string(snap.State),
			Children: children,
		})
	}
	return out
}

// Create builds a Nexus named name over childURIs, sized sizeBytes,
// following the §4.F creation algorithm: insert into the registry before
// opening children, open every child, validate geometry, persist, open.
//
// Preserves the documented open-question behavior: if a nexus with this
// name already exists in Open, Create returns it without verifying that
// the requested children match (see DESIGN.md).
func (r *Registry) Create(ctx context.Context, name string, sizeBytes uint64, id string, childURIs []string, nvmeParams types.NexusNvmeParams) (*Nexus, error) {
	r.mu.Lock()
	if existing, ok := r.byName[name]; ok {
		r.mu.Unlock()
		if existing.State() == types.NexusOpen {
			return existing, nil
		}
		return nil, ioerr.New(ioerr.AlreadyExist, "nexus "+name+" exists but is not open")
	}
	if id == "" {
		id = uuid.New().String()
	}
	n := &Nexus{
		name:       name,
		uuid:       id,
		sizeBytes:  sizeBytes,
		nvmeParams: nvmeParams,
		state:      types.NexusInit,
		pause:      types.PauseUnpaused,
		reactors:   r.reactors,
		monitor:    r.monitor,
		st:         r.st,
		shareSvc:   r.shareSvc,
		rebuilds:   r.rebuilds,
		persistCh:  make(chan persistJob, 64),
	}
	r.byName[name] = n
	r.mu.Unlock()
	go n.runPersistLoop()

	if len(childURIs) == 0 {
		r.teardownFailedCreate(n)
		return nil, ioerr.New(ioerr.NexusIncomplete, "nexus "+name+" requires at least one child")
	}

	opened := make([]*Child, 0, len(childURIs))
	for _, uri := range childURIs {
		h, err := bdev.Open(ctx, uri, true, true)
		if err != nil {
			for _, c := range opened {
				c.handle.Close()
			}
			r.teardownFailedCreate(n)
			return nil, ioerr.Wrap(ioerr.NexusCreate, uri, err)
		}
		opened = append(opened, &Child{
			uri:    uri,
			handle: bdev.Faulty(h),
			state:  types.ChildOpen,
		})
	}

	if err := validateGeometry(opened, sizeBytes); err != nil {
		for _, c := range opened {
			c.handle.Close()
		}
		r.teardownFailedCreate(n)
		return nil, err
	}

	n.childrenMu.Lock()
	n.children = opened
	n.blockSize = opened[0].handle.BlockSize()
	n.childrenMu.Unlock()

	if err := n.persistCreate(ctx); err != nil {
		for _, c := range opened {
			c.handle.Close()
		}
		r.teardownFailedCreate(n)
		return nil, err
	}

	n.mu.Lock()
	n.state = types.NexusOpen
	n.mu.Unlock()

	metrics.NexusesTotal.WithLabelValues(string(types.NexusOpen)).Inc()
	metrics.NexusChildrenTotal.WithLabelValues(name, string(types.ChildOpen)).Set(float64(len(opened)))
	log.WithNexusName(name).Info().Msg("nexus created")
	return n, nil
}

func (r *Registry) teardownFailedCreate(n *Nexus) {
	close(n.persistCh)
	r.mu.Lock()
	delete(r.byName, n.name)
	r.mu.Unlock()
}

// validateGeometry checks identical block size across children, sufficient
// child size, and at least one child present (§4.F step 3).
func validateGeometry(children []*Child, sizeBytes uint64) error {
	if len(children) == 0 {
		return ioerr.New(ioerr.NexusIncomplete, "no children")
	}
	blockSize := children[0].handle.BlockSize()
	for _, c := range children {
		if c.handle.BlockSize() != blockSize {
			return ioerr.New(ioerr.MixedBlockSizes, c.uri)
		}
		childBytes := c.handle.NumBlocks() * uint64(c.handle.BlockSize())
		if childBytes < sizeBytes+DataOffsetBytes {
			return ioerr.New(ioerr.ChildGeometry, fmt.Sprintf("%s: %d bytes too small for nexus size %d", c.uri, childBytes, sizeBytes))
		}
	}
	return nil
}

// Name returns the nexus's name.
func (n *Nexus) Name() string { return n.name }

// UUID returns the nexus's uuid.
func (n *Nexus) UUID() string { return n.uuid }

// SizeBytes returns the nexus's logical size.
func (n *Nexus) SizeBytes() uint64 { return n.sizeBytes }

// State returns the nexus's current lifecycle state.
func (n *Nexus) State() types.NexusState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// PauseState returns the nexus's current pause state.
func (n *Nexus) PauseState() types.NexusPauseState {
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()
	return n.pause
}

// Snapshot returns a point-in-time view of the nexus's metadata, used by
// status/list RPC call sites.
func (n *Nexus) Snapshot() types.Nexus {
	n.mu.RLock()
	state := n.state
	n.mu.RUnlock()

	n.childrenMu.RLock()
	children := make([]types.Child, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c.Snapshot())
	}
	n.childrenMu.RUnlock()

	n.shareMu.Lock()
	var shareSnap types.ShareTarget
	if n.shareState != nil {
		shareSnap = *n.shareState
	}
	n.shareMu.Unlock()

	return types.Nexus{
		Name:        n.name,
		UUID:        n.uuid,
		SizeBytes:   n.sizeBytes,
		Children:    children,
		State:       state,
		PauseState:  n.PauseState(),
		ShareTarget: shareSnap,
		NvmeParams:  n.nvmeParams,
	}
}

// reconfigure traverses every per-reactor I/O channel and refreshes its
// cached child set, awaiting the traversal (§4.F "Reconfigure"). This
// implementation's I/O dispatch always reads the live children slice
// directly, so the traversal has no cache to refresh; it still executes on
// every reactor so callers observe the same "awaited traversal" contract a
// real per-reactor-channel cache would require.
func (n *Nexus) reconfigure(ctx context.Context) error {
	n.mu.Lock()
	if n.state == types.NexusOpen {
		n.state = types.NexusReconfiguring
	}
	n.mu.Unlock()

	err := n.reactors.Each(ctx, func(reactorID int) {})

	n.mu.Lock()
	if n.state == types.NexusReconfiguring {
		n.state = types.NexusOpen
	}
	n.mu.Unlock()
	return err
}

// RemoveChildDevice implements devmon.NexusHandle: it is invoked by the
// device monitor's consumer loop to actually tear down a retired child's
// underlying device, looked up by uri at execution time.
func (n *Nexus) RemoveChildDevice(ctx context.Context, childURI string) error {
	n.childrenMu.Lock()
	var target *Child
	for _, c := range n.children {
		if c.uri == childURI {
			target = c
			break
		}
	}
	n.childrenMu.Unlock()
	if target == nil {
		return nil
	}
	return target.closeHandleIfFaulted()
}
