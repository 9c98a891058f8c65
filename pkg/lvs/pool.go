// Package lvs implements the Pool (logical volume store) and Lvol
// abstractions of §4.B/§4.C: a fixed-cluster allocator and metadata store
// built on one claimed base block device, grounded on the teacher's
// pkg/storage.BoltStore bucket-per-entity persistence pattern: pool
// superblocks live in one "pools" bucket of the process store, keyed by
// pool name. Lvol records are not persisted.
package lvs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/store"
	"github.com/flowstor/ionexus/pkg/types"
)

const poolBucket = "pools"
const lvolBucket = "lvols"

// DefaultClusterSize is the allocation granule (§3: "typically several
// MiB").
const DefaultClusterSize = 4 * 1024 * 1024

// superblock is the on-disk record a Pool persists describing its own
// identity; read back verbatim on import.
type superblock struct {
	Name             string `json:"name"`
	UUID             string `json:"uuid"`
	BaseDeviceName   string `json:"base_device_name"`
	ClusterSizeBytes uint64 `json:"cluster_size_bytes"`
	TotalClusters    uint64 `json:"total_clusters"`
}

// Pool is a live, in-memory Pool plus its claimed base device handle.
type Pool struct {
	mu   sync.RWMutex
	meta types.Pool
	base bdev.Handle
	st   store.Store
	lvols map[string]*Lvol // keyed by uuid
	poisoned bool
}

// Registry is the process-wide set of live pools, keyed by name only;
// Lookup does not find a pool by its uuid.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Pool
	st    store.Store
}

// NewRegistry creates an empty pool registry backed by st for superblock
// persistence.
func NewRegistry(st store.Store) *Registry {
	return &Registry{byName: make(map[string]*Pool), st: st}
}

// Create formats baseURI as a new pool named name. If uuid is empty one is
// generated.
func (r *Registry) Create(ctx context.Context, name, baseURI string, id string) (*Pool, error) {
	r.mu.Lock()
	if _, exists := r.byName[name]; exists {
		r.mu.Unlock()
		return nil, ioerr.New(ioerr.AlreadyExist, "pool "+name+" already exists")
	}
	r.mu.Unlock()

	base, err := bdev.Open(ctx, baseURI, true, true)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.NotFound, "pool base device", err)
	}

	if id == "" {
		id = uuid.New().String()
	}
	capacityBytes := base.NumBlocks() * uint64(base.BlockSize())
	totalClusters := capacityBytes / DefaultClusterSize

	p := &Pool{
		meta: types.Pool{
			Name:             name,
			UUID:             id,
			BaseDeviceName:   base.Name(),
			ClusterSizeBytes: DefaultClusterSize,
			TotalClusters:    totalClusters,
			FreeClusters:     totalClusters,
		},
		base:  base,
		st:    r.st,
		lvols: make(map[string]*Lvol),
	}

	if err := p.persistSuperblock(ctx); err != nil {
		base.Close()
		return nil, err
	}

	r.mu.Lock()
	r.byName[name] = p
	r.mu.Unlock()

	metrics.PoolsTotal.Inc()
	log.WithPoolName(name).Info().Msg("pool created")
	return p, nil
}

// Import reads an existing superblock for name from the persistent store
// and reopens its base device. It rejects an on-disk name mismatch
// (Import{source: EINVAL} in the original taxonomy) without modifying
// anything, and rejects a base device already claimed elsewhere.
func (r *Registry) Import(ctx context.Context, name, baseURI string) (*Pool, error) {
	raw, err := r.st.Get(ctx, poolBucket, []byte(name))
	if err != nil {
		return nil, ioerr.Wrap(ioerr.NotFound, "pool "+name+" has no superblock", err)
	}
	var sb superblock
	if err := json.Unmarshal(raw, &sb); err != nil {
		return nil, ioerr.Wrap(ioerr.PersistentStoreDeserialise, name, err)
	}
	if sb.Name != name {
		return nil, ioerr.New(ioerr.InvalidArgument, "pool import name mismatch")
	}

	base, err := bdev.Open(ctx, baseURI, true, true)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.NotFound, "pool base device", err)
	}

	p := &Pool{
		meta: types.Pool{
			Name:             sb.Name,
			UUID:             sb.UUID,
			BaseDeviceName:   sb.BaseDeviceName,
			ClusterSizeBytes: sb.ClusterSizeBytes,
			TotalClusters:    sb.TotalClusters,
			FreeClusters:     sb.TotalClusters,
		},
		base:  base,
		st:    r.st,
		lvols: make(map[string]*Lvol),
	}
	if err := p.loadLvols(ctx); err != nil {
		base.Close()
		return nil, err
	}

	r.mu.Lock()
	r.byName[name] = p
	r.mu.Unlock()

	metrics.PoolsTotal.Inc()
	log.WithPoolName(name).Info().Msg("pool imported")
	return p, nil
}

// CreateOrImport first attempts Import; if no superblock is found it falls
// back to Create, matching §4.B's "on ILSEQ (no matching superblock)
// creates; on EINVAL (signature mismatch) fails without clobbering".
func (r *Registry) CreateOrImport(ctx context.Context, name, baseURI string) (*Pool, error) {
	p, err := r.Import(ctx, name, baseURI)
	if err == nil {
		return p, nil
	}
	if ioerr.Is(err, ioerr.InvalidArgument) {
		return nil, err
	}
	return r.Create(ctx, name, baseURI, "")
}

// Lookup finds a pool by name.
func (r *Registry) Lookup(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Iter returns every live pool.
func (r *Registry) Iter() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	return out
}

// ListPoolSnapshots implements metrics.PoolLister.
func (r *Registry) ListPoolSnapshots() []metrics.PoolSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]metrics.PoolSnapshot, 0, len(r.byName))
	for _, p := range r.byName {
		p.mu.RLock()
		out = append(out, metrics.PoolSnapshot{
			Name:         p.meta.Name,
			FreeClusters: p.meta.FreeClusters,
			LvolCount:    len(p.lvols),
		})
		p.mu.RUnlock()
	}
	return out
}

func (p *Pool) persistSuperblock(ctx context.Context) error {
	p.mu.RLock()
	sb := superblock{
		Name:             p.meta.Name,
		UUID:             p.meta.UUID,
		BaseDeviceName:   p.meta.BaseDeviceName,
		ClusterSizeBytes: p.meta.ClusterSizeBytes,
		TotalClusters:    p.meta.TotalClusters,
	}
	p.mu.RUnlock()

	raw, err := json.Marshal(sb)
	if err != nil {
		return ioerr.Wrap(ioerr.PersistentStoreSerialise, p.meta.Name, err)
	}
	if err := p.st.Put(ctx, poolBucket, []byte(p.meta.Name), raw); err != nil {
		return ioerr.Wrap(ioerr.PersistentStorePut, p.meta.Name, err)
	}
	return nil
}

func (p *Pool) loadLvols(ctx context.Context) error {
	// Lvol records are not persisted, so there is nothing to load: an
	// imported pool starts with no lvols and every cluster free.
	return nil
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta.Name
}

// Snapshot returns a copy of the pool's current metadata.
func (p *Pool) Snapshot() types.Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta
}

// Destroy wipes the on-disk superblock, unclaims the base device, and
// removes the pool from its registry, after tearing down every lvol.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	p, ok := r.Lookup(name)
	if !ok {
		return ioerr.New(ioerr.NotFound, "pool "+name+" not found")
	}
	if err := p.teardownLvols(ctx); err != nil {
		return err
	}
	if err := r.st.Delete(ctx, poolBucket, []byte(name)); err != nil {
		log.WithPoolName(name).Error().Msg("pool destroy: superblock wipe failed, continuing")
	}
	if err := p.base.Close(); err != nil {
		return ioerr.Wrap(ioerr.CloseChild, name, err)
	}

	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()
	metrics.PoolsTotal.Dec()
	log.WithPoolName(name).Info().Msg("pool destroyed")
	return nil
}

// Export unshares every lvol (in-memory only, without persisting the
// share-off state), tears down in-memory metadata, and releases the base
// device claim. It does not touch the persisted superblock, so a
// subsequent Import sees the pool exactly as it was. Idempotent.
func (r *Registry) Export(ctx context.Context, name string) error {
	p, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	p.mu.Lock()
	for _, lv := range p.lvols {
		lv.mu.Lock()
		lv.meta.SharedURI = ""
		lv.mu.Unlock()
	}
	p.mu.Unlock()

	if err := p.base.Close(); err != nil {
		return ioerr.Wrap(ioerr.CloseChild, name, err)
	}

	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()
	metrics.PoolsTotal.Dec()
	return nil
}

func (p *Pool) teardownLvols(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.lvols {
		delete(p.lvols, id)
	}
	return nil
}

// CreateLvol allocates a logical volume from the pool. Allocation itself
// stays O(metadata): thick lvols reserve clusters up front but do not
// pre-zero the device; thin lvols allocate lazily on first write.
func (p *Pool) CreateLvol(ctx context.Context, name string, sizeBytes uint64, id string, thin bool) (*Lvol, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, lv := range p.lvols {
		if lv.meta.Name == name {
			return nil, ioerr.New(ioerr.AlreadyExist, "lvol "+name+" already exists in pool")
		}
	}

	clusters := (sizeBytes + p.meta.ClusterSizeBytes - 1) / p.meta.ClusterSizeBytes
	needed := clusters
	if thin {
		needed = 0
	}
	if needed > p.meta.FreeClusters {
		return nil, ioerr.New(ioerr.Exhausted, fmt.Sprintf("pool %s has %d free clusters, need %d", p.meta.Name, p.meta.FreeClusters, needed))
	}

	if id == "" {
		id = uuid.New().String()
	}
	lv := &Lvol{
		meta: types.Lvol{
			Name:         name,
			UUID:         id,
			PoolRef:      p.meta.Name,
			SizeBytes:    clusters * p.meta.ClusterSizeBytes,
			Thin:         thin,
			AllowedHosts: make(map[string]struct{}),
		},
		pool: p,
	}
	if !thin {
		lv.meta.AllocatedBytes = lv.meta.SizeBytes
	}

	p.meta.FreeClusters -= needed
	p.lvols[id] = lv

	metrics.LvolsTotal.WithLabelValues(p.meta.Name).Inc()
	log.WithPoolName(p.meta.Name).Info().Msg("lvol created: " + name)
	return lv, nil
}

// Lvols returns every lvol currently in the pool.
func (p *Pool) Lvols() []*Lvol {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Lvol, 0, len(p.lvols))
	for _, lv := range p.lvols {
		out = append(out, lv)
	}
	return out
}

// releaseLvol removes lv from the pool's bookkeeping and returns its
// clusters to the free pool — called by Lvol.Destroy.
func (p *Pool) releaseLvol(lv *Lvol) {
	id := lv.UUID()
	size := lv.Snapshot().SizeBytes

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lvols[id]; !ok {
		return
	}
	clusters := size / p.meta.ClusterSizeBytes
	p.meta.FreeClusters += clusters
	delete(p.lvols, id)
	metrics.LvolsTotal.WithLabelValues(p.meta.Name).Dec()
}
