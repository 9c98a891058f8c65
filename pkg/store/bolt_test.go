package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	st, err := NewBoltStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "bucket1", []byte("key1"), []byte("value1")))
	v, err := st.Get(ctx, "bucket1", []byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), v)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Get(ctx, "bucket1", []byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Put(ctx, "bucket1", []byte("key1"), []byte("v")))
	_, err = st.Get(ctx, "bucket1", []byte("other-key"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "b", []byte("k"), []byte("v")))
	require.NoError(t, st.Delete(ctx, "b", []byte("k")))
	_, err := st.Get(ctx, "b", []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionAppliesIfOpsWhenComparesMatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "b", []byte("k"), []byte("v1")))

	err := st.Transaction(ctx, "b",
		[]CompareOp{{Key: []byte("k"), Value: []byte("v1")}},
		[]Op{Put([]byte("k"), []byte("v2"))},
		[]Op{Put([]byte("k"), []byte("unreached"))},
	)
	require.NoError(t, err)

	v, err := st.Get(ctx, "b", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestTransactionAppliesElseOpsWhenComparesMismatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "b", []byte("k"), []byte("actual")))

	err := st.Transaction(ctx, "b",
		[]CompareOp{{Key: []byte("k"), Value: []byte("expected")}},
		[]Op{Put([]byte("k"), []byte("unreached"))},
		[]Op{Delete([]byte("k"))},
	)
	require.NoError(t, err)

	_, err = st.Get(ctx, "b", []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionCompareKeyMustNotExist(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Transaction(ctx, "b",
		[]CompareOp{{Key: []byte("fresh-key"), Value: nil}},
		[]Op{Put([]byte("fresh-key"), []byte("created"))},
		[]Op{Put([]byte("fresh-key"), []byte("unreached"))},
	)
	require.NoError(t, err)

	v, err := st.Get(ctx, "b", []byte("fresh-key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("created"), v)
}

func TestOnlineReportsTrueUntilClosed(t *testing.T) {
	st := newTestStore(t)
	assert.True(t, st.Online(context.Background()))
	require.NoError(t, st.Close())
	assert.False(t, st.Online(context.Background()))
}
