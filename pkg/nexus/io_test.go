package nexus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/types"
)

func TestMirroredWriteReadRoundTrip(t *testing.T) {
	r := newTestRegistry()
	n := createTestNexus(t, r, "nexus-mirror-rw", 3, 1)

	buf := make([]byte, n.BlockSize())
	for i := range buf {
		buf[i] = 0x42
	}
	_, err := n.WriteAt(context.Background(), 0, buf)
	require.NoError(t, err)

	out := make([]byte, n.BlockSize())
	_, err = n.ReadAt(context.Background(), 0, out)
	require.NoError(t, err)
	assert.Equal(t, buf, out)

	for _, c := range n.childrenSnapshot() {
		assert.Equal(t, types.ChildOpen, c.State())
	}
}

func TestSingleChildFaultUnderWrite(t *testing.T) {
	bdev.ClearInjectedFaults()
	defer bdev.ClearInjectedFaults()

	r := newTestRegistry()
	childAURI, childAName := newMallocChild(t, 1)
	childBURI, _ := newMallocChild(t, 1)
	n, err := r.Create(context.Background(), "nexus-fault-write", 1024*1024, "", []string{childAURI, childBURI}, types.DefaultNexusNvmeParams())
	require.NoError(t, err)

	faultedChild := n.childrenSnapshot()[0]
	require.NoError(t, bdev.InjectFault(fmt.Sprintf("inject://%s?op=write&start_cnt=1", childAName)))

	buf := make([]byte, n.BlockSize())
	for i := range buf {
		buf[i] = 0x7e
	}
	_, err = n.WriteAt(context.Background(), 0, buf)
	require.NoError(t, err, "write must still succeed while one child remains healthy")

	assert.Equal(t, types.ChildFaulted, faultedChild.State())

	survivors := n.openChildrenSnapshot()
	require.Len(t, survivors, 1)
	out := make([]byte, n.BlockSize())
	_, err = survivors[0].handle.Read(context.Background(), 0, out)
	require.NoError(t, err)
	assert.Equal(t, buf, out)
}
