package lvs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstor/ionexus/pkg/share"
)

// TestEndToEndPoolLvolShare exercises §8 scenario 1: create a pool, carve a
// lvol, share it over NVMe-oF and check the published URI and usage
// accounting.
func TestEndToEndPoolLvolShare(t *testing.T) {
	SetShareTarget(share.NewSimulated("192.168.1.10"))

	r := NewRegistry(newMemStore())
	p, err := r.Create(context.Background(), "pool-share", newBaseURI(t, 16), "")
	require.NoError(t, err)

	lv, err := p.CreateLvol(context.Background(), "lv-share", DefaultClusterSize, "", false)
	require.NoError(t, err)

	uri, err := lv.ShareNvmf(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("nvmf://192.168.1.10:%d/nqn.2023-01.io.ionexus:%s", share.ReplicaPort, lv.UUID()), uri)

	usage := lv.Usage()
	assert.Equal(t, DefaultClusterSize, int(usage.Capacity))
	assert.Equal(t, usage.Capacity, usage.Allocated, "thick lvol allocates its full size up front")

	require.NoError(t, lv.Unshare(context.Background()))
	shared, err := lv.GetProperty("Shared")
	require.NoError(t, err)
	assert.Equal(t, "false", shared)
}

func TestShareNvmfIdempotent(t *testing.T) {
	SetShareTarget(share.NewSimulated("192.168.1.11"))

	r := NewRegistry(newMemStore())
	p, err := r.Create(context.Background(), "pool-share-idem", newBaseURI(t, 16), "")
	require.NoError(t, err)
	lv, err := p.CreateLvol(context.Background(), "lv-idem", DefaultClusterSize, "", false)
	require.NoError(t, err)

	uri1, err := lv.ShareNvmf(context.Background(), nil)
	require.NoError(t, err)
	uri2, err := lv.ShareNvmf(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uri1, uri2)
}

// TestSnapshotIsolatedFromOriginWrites exercises §8 scenario 6: a snapshot
// must keep observing the origin's contents as of the snapshot call even
// after the origin is overwritten.
func TestSnapshotIsolatedFromOriginWrites(t *testing.T) {
	r := NewRegistry(newMemStore())
	p, err := r.Create(context.Background(), "pool-snap", newBaseURI(t, 16), "")
	require.NoError(t, err)
	origin, err := p.CreateLvol(context.Background(), "lv-origin", DefaultClusterSize, "", false)
	require.NoError(t, err)

	h, err := origin.Handle(context.Background())
	require.NoError(t, err)
	buf := make([]byte, h.BlockSize())
	fill(buf, 0xFF)
	for block := uint64(0); block < h.NumBlocks(); block++ {
		_, err := h.Write(context.Background(), block*uint64(h.BlockSize()), buf)
		require.NoError(t, err)
	}

	snap, err := origin.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)

	fill(buf, 0x55)
	for block := uint64(0); block < h.NumBlocks(); block++ {
		_, err := h.Write(context.Background(), block*uint64(h.BlockSize()), buf)
		require.NoError(t, err)
	}

	snapHandle, err := snap.Handle(context.Background())
	require.NoError(t, err)
	out := make([]byte, snapHandle.BlockSize())
	_, err = snapHandle.Read(context.Background(), 0, out)
	require.NoError(t, err)

	want := make([]byte, snapHandle.BlockSize())
	fill(want, 0xFF)
	assert.Equal(t, want, out, "snapshot must still read the origin's contents as of snapshot time")
}

func TestResolveLoopbackByNameAndUUID(t *testing.T) {
	r := NewRegistry(newMemStore())
	p, err := r.Create(context.Background(), "pool-loopback", newBaseURI(t, 16), "")
	require.NoError(t, err)
	lv, err := p.CreateLvol(context.Background(), "lv-loopback", DefaultClusterSize, "", false)
	require.NoError(t, err)

	byName, err := r.ResolveLoopback(context.Background(), "lv-loopback")
	require.NoError(t, err)
	assert.NotNil(t, byName)

	byUUID, err := r.ResolveLoopback(context.Background(), lv.UUID())
	require.NoError(t, err)
	assert.NotNil(t, byUUID)

	_, err = r.ResolveLoopback(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func fill(buf []byte, pattern byte) {
	for i := range buf {
		buf[i] = pattern
	}
}
