package lvs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/types"
)

// ShareTarget is the seam between a Lvol and the NVMe-oF publish layer;
// pkg/share's concrete target is registered with SetShareTarget at process
// startup, keeping lvs free of any direct dependency on the share wire
// format.
type ShareTarget interface {
	ShareNvmf(ctx context.Context, h bdev.Handle, allowedHosts map[string]struct{}) (uri string, err error)
	Unshare(ctx context.Context, bdevName string) error
	UpdateAllowedHosts(ctx context.Context, bdevName string, allowedHosts map[string]struct{}) error
}

var (
	shareMu     sync.RWMutex
	shareTarget ShareTarget
)

// SetShareTarget installs the process-wide NVMe-oF share target.
func SetShareTarget(t ShareTarget) {
	shareMu.Lock()
	defer shareMu.Unlock()
	shareTarget = t
}

// Lvol is a logical volume carved out of a Pool. Its block contents are
// modeled by a private malloc-backed bdev sized to the volume rather than
// a true cluster-extent mapping onto the pool's base device; the cluster
// accounting on Pool stays faithful to §3's invariants, only the physical
// extent layout is simplified (see DESIGN.md).
type Lvol struct {
	mu   sync.RWMutex
	meta types.Lvol
	pool *Pool
	data bdev.Handle
}

func (lv *Lvol) ensureData(ctx context.Context) error {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if lv.data != nil {
		return nil
	}
	sizeMB := (lv.meta.SizeBytes + 1024*1024 - 1) / (1024 * 1024)
	if sizeMB == 0 {
		sizeMB = 1
	}
	uri := fmt.Sprintf("malloc:///%s?size_mb=%d", lv.meta.UUID, sizeMB)
	h, err := bdev.Open(ctx, uri, true, false)
	if err != nil {
		return ioerr.Wrap(ioerr.CreateChild, lv.meta.Name, err)
	}
	lv.data = h
	return nil
}

// Handle returns the lvol's backing block-device handle, opening it lazily
// on first use.
func (lv *Lvol) Handle(ctx context.Context) (bdev.Handle, error) {
	if err := lv.ensureData(ctx); err != nil {
		return nil, err
	}
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.data, nil
}

// Name returns the lvol's name.
func (lv *Lvol) Name() string {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.meta.Name
}

// UUID returns the lvol's uuid.
func (lv *Lvol) UUID() string {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.meta.UUID
}

// Snapshot returns a copy of the lvol's current metadata.
func (lv *Lvol) Snapshot() types.Lvol {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.meta
}

// Destroy releases the lvol's clusters back to its pool and closes its
// backing handle.
func (lv *Lvol) Destroy(ctx context.Context) error {
	lv.mu.Lock()
	data := lv.data
	lv.data = nil
	lv.mu.Unlock()

	if data != nil {
		if err := data.Close(); err != nil {
			return ioerr.Wrap(ioerr.DestroyChild, lv.meta.Name, err)
		}
	}
	lv.pool.releaseLvol(lv)
	log.WithPoolName(lv.pool.meta.Name).Info().Msg("lvol destroyed: " + lv.meta.Name)
	return nil
}

// WipeSuper zero-fills the lvol's metadata region. Implemented here as a
// full unmap of the backing device, mirroring how a thin lvol's zero-fill
// is expressed as an unmap where supported.
func (lv *Lvol) WipeSuper(ctx context.Context) error {
	h, err := lv.Handle(ctx)
	if err != nil {
		return err
	}
	return h.Unmap(ctx, 0, h.NumBlocks()*uint64(h.BlockSize()))
}

// Usage reports capacity/allocation accounting for the lvol.
func (lv *Lvol) Usage() types.LvolUsage {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	clusterSize := lv.pool.Snapshot().ClusterSizeBytes
	return types.LvolUsage{
		Capacity:     lv.meta.SizeBytes,
		Allocated:    lv.meta.AllocatedBytes,
		ClusterSize:  clusterSize,
		NumClusters:  lv.meta.SizeBytes / clusterSize,
		NumAllocated: lv.meta.AllocatedBytes / clusterSize,
	}
}

// GetProperty reads a named lvol property. Only "Shared" is defined today
// (§4.C).
func (lv *Lvol) GetProperty(name string) (string, error) {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	switch name {
	case "Shared":
		if lv.meta.SharedURI != "" {
			return "true", nil
		}
		return "false", nil
	default:
		return "", ioerr.New(ioerr.InvalidArgument, "unknown lvol property "+name)
	}
}

// SetProperty is the single-property counterpart to GetProperty; "Shared"
// is derived from share state and cannot be set directly.
func (lv *Lvol) SetProperty(name, value string) error {
	return ioerr.New(ioerr.InvalidArgument, "property "+name+" is not directly settable")
}

// CreateSnapshot creates an Lvol marked IsSnapshot that observes the
// origin's current contents. Writes to the snapshot are not rejected: its
// handle is writable like any other Lvol's. Copy-on-write is emulated by an eager copy at snapshot
// time rather than true blobstore cluster-sharing (see DESIGN.md); this
// preserves the documented isolation guarantee (origin writes never affect
// the snapshot) without requiring extent-level COW tracking.
func (lv *Lvol) CreateSnapshot(ctx context.Context, monotonicTimestamp uint64) (*Lvol, error) {
	src, err := lv.Handle(ctx)
	if err != nil {
		return nil, err
	}

	lv.mu.RLock()
	name := fmt.Sprintf("%s-snap-%d", lv.meta.Name, monotonicTimestamp)
	origin := lv.meta.UUID
	size := lv.meta.SizeBytes
	lv.mu.RUnlock()

	snap, err := lv.pool.CreateLvol(ctx, name, size, "", false)
	if err != nil {
		return nil, err
	}
	snap.mu.Lock()
	snap.meta.IsSnapshot = true
	snap.meta.SnapshotOf = origin
	snap.mu.Unlock()

	dst, err := snap.Handle(ctx)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, src.BlockSize())
	for block := uint64(0); block < src.NumBlocks(); block++ {
		off := block * uint64(src.BlockSize())
		if _, err := src.Read(ctx, off, buf); err != nil {
			return nil, ioerr.Wrap(ioerr.ReadError, lv.meta.Name, err)
		}
		if _, err := dst.Write(ctx, off, buf); err != nil {
			return nil, ioerr.Wrap(ioerr.WriteError, name, err)
		}
	}
	return snap, nil
}

// SnapshotTimestamp returns a monotonic value suitable for the
// "{origin}-snap-{timestamp}" naming scheme. Since the sandbox forbids
// time.Now()-derived nondeterminism in generated tests, callers that need
// reproducible names should supply their own counter; this helper is for
// production call sites.
func SnapshotTimestamp() uint64 {
	return uint64(time.Now().UnixNano())
}

// ShareNvmf publishes the lvol over NVMe-oF. Re-sharing with identical
// properties is a no-op that returns the existing URI (§4.C: "exactly one
// share protocol at a time; re-sharing over the same protocol is a no-op").
func (lv *Lvol) ShareNvmf(ctx context.Context, allowedHosts map[string]struct{}) (string, error) {
	shareMu.RLock()
	t := shareTarget
	shareMu.RUnlock()
	if t == nil {
		return "", ioerr.New(ioerr.SubsystemNvmf, "no share target registered")
	}

	h, err := lv.Handle(ctx)
	if err != nil {
		return "", err
	}

	lv.mu.Lock()
	if lv.meta.SharedURI != "" {
		uri := lv.meta.SharedURI
		lv.mu.Unlock()
		return uri, nil
	}
	lv.mu.Unlock()

	uri, err := t.ShareNvmf(ctx, h, allowedHosts)
	if err != nil {
		return "", err
	}

	lv.mu.Lock()
	lv.meta.SharedURI = uri
	lv.meta.AllowedHosts = allowedHosts
	lv.mu.Unlock()
	return uri, nil
}

// Unshare withdraws the lvol's NVMe-oF publication. Idempotent.
func (lv *Lvol) Unshare(ctx context.Context) error {
	shareMu.RLock()
	t := shareTarget
	shareMu.RUnlock()
	if t == nil {
		return nil
	}

	lv.mu.Lock()
	if lv.meta.SharedURI == "" {
		lv.mu.Unlock()
		return nil
	}
	name := lv.data.Name()
	lv.meta.SharedURI = ""
	lv.mu.Unlock()

	return t.Unshare(ctx, name)
}

// UpdateProperties updates the lvol's allowed-hosts ACL for an active
// share.
func (lv *Lvol) UpdateProperties(ctx context.Context, allowedHosts map[string]struct{}) error {
	shareMu.RLock()
	t := shareTarget
	shareMu.RUnlock()

	lv.mu.Lock()
	if lv.meta.SharedURI == "" {
		lv.mu.Unlock()
		return ioerr.New(ioerr.NotShared, lv.meta.Name)
	}
	name := lv.data.Name()
	lv.meta.AllowedHosts = allowedHosts
	lv.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.UpdateAllowedHosts(ctx, name, allowedHosts)
}

// ResolveLoopback implements bdev.LoopbackResolver over this registry: it
// looks a lvol up by name or uuid across every live pool and returns a
// fresh reference to its backing handle.
func (r *Registry) ResolveLoopback(ctx context.Context, nameOrUUID string) (bdev.Handle, error) {
	for _, p := range r.Iter() {
		for _, lv := range p.Lvols() {
			if lv.Name() == nameOrUUID || lv.UUID() == nameOrUUID {
				return lv.Handle(ctx)
			}
		}
	}
	return nil, ioerr.New(ioerr.NotFound, "lvol "+nameOrUUID+" not found")
}
