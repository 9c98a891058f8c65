package bdev

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

func TestMallocReadWriteUnmapRoundTrip(t *testing.T) {
	h, err := Open(context.Background(), "malloc:///rw-dev?size_mb=1", true, false)
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, h.BlockSize())
	for i := range buf {
		buf[i] = 0x9a
	}
	n, err := h.Write(context.Background(), 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	out := make([]byte, h.BlockSize())
	_, err = h.Read(context.Background(), 0, out)
	require.NoError(t, err)
	assert.Equal(t, buf, out)

	require.NoError(t, h.Unmap(context.Background(), 0, uint64(len(buf))))
	_, err = h.Read(context.Background(), 0, out)
	require.NoError(t, err)
	for _, b := range out {
		assert.Zero(t, b)
	}
}

func TestMallocReadPastEndFails(t *testing.T) {
	h, err := Open(context.Background(), "malloc:///small-dev?size_mb=1", true, false)
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, h.NumBlocks()*uint64(h.BlockSize())+1)
	_, err = h.Read(context.Background(), 0, buf)
	require.Error(t, err)
	assert.True(t, ioerr.Is(err, ioerr.ReadError))
}

func TestOpenUnknownSchemeFails(t *testing.T) {
	_, err := Open(context.Background(), "nonsense:///foo", true, false)
	require.Error(t, err)
	assert.True(t, ioerr.Is(err, ioerr.InvalidURI))
}

func TestOpenRequiresScheme(t *testing.T) {
	_, err := Open(context.Background(), "no-scheme-here", true, false)
	require.Error(t, err)
}

func TestExclusiveClaimRejectsSecondOwner(t *testing.T) {
	h1, err := Open(context.Background(), "malloc:///claimed-dev?size_mb=1", true, true)
	require.NoError(t, err)
	defer h1.Close()

	_, err = Open(context.Background(), "malloc:///claimed-dev?size_mb=1", true, true)
	require.Error(t, err)
	assert.True(t, ioerr.Is(err, ioerr.Busy))
}

func TestClaimReleasedAfterClose(t *testing.T) {
	h1, err := Open(context.Background(), "malloc:///reclaim-dev?size_mb=1", true, true)
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	h2, err := Open(context.Background(), "malloc:///reclaim-dev?size_mb=1", true, true)
	require.NoError(t, err)
	defer h2.Close()
}

func TestRefCountedCloseOnlyClosesUnderlyingAtZero(t *testing.T) {
	h, err := Open(context.Background(), "malloc:///refcount-dev?size_mb=1", true, false)
	require.NoError(t, err)

	rc, ok := h.(*refCounted)
	require.True(t, ok)
	rc.Ref()

	require.NoError(t, h.Close()) // first Close: count 2 -> 1, underlying stays open
	buf := make([]byte, h.BlockSize())
	_, err = h.Read(context.Background(), 0, buf)
	require.NoError(t, err, "handle must still be usable after one of two Close calls")

	require.NoError(t, h.Close()) // second Close: count 1 -> 0, underlying closes
}

func TestParseURIGrammar(t *testing.T) {
	p, err := Parse("malloc:///my-dev?size_mb=4&blk_size=4096")
	require.NoError(t, err)
	assert.Equal(t, "malloc", p.Scheme)
	assert.Equal(t, uint64(4), p.QueryUint("size_mb", 0))
	assert.Equal(t, uint64(4096), p.QueryUint("blk_size", 512))
	assert.Equal(t, "fallback", p.QueryString("missing", "fallback"))
}

func TestParseNestedFTLURI(t *testing.T) {
	p, err := Parse("ftl:///ftl-dev?bbdev=malloc%3A%2F%2F%2Fbase%3Fsize_mb%3D8&cbdev=malloc%3A%2F%2F%2Fcache%3Fsize_mb%3D1")
	require.NoError(t, err)
	nested, err := Parse(p.QueryString("bbdev", ""))
	require.NoError(t, err)
	assert.Equal(t, "malloc", nested.Scheme)
	assert.Equal(t, uint64(8), nested.QueryUint("size_mb", 0))
}
