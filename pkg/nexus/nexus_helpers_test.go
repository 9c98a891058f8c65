package nexus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstor/ionexus/pkg/reactor"
	"github.com/flowstor/ionexus/pkg/rebuild"
	"github.com/flowstor/ionexus/pkg/share"
	"github.com/flowstor/ionexus/pkg/store"
	"github.com/flowstor/ionexus/pkg/types"
)

// memStore is a minimal in-memory store.Store, used in place of BoltStore so
// nexus tests don't touch the filesystem; the Transaction semantics mirror
// BoltStore's compare-then-branch contract closely enough for these tests.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[string]map[string][]byte)}
}

func (m *memStore) bucket(name string) map[string][]byte {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[name] = b
	}
	return b
}

func (m *memStore) Put(ctx context.Context, bucket string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket)[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Get(ctx context.Context, bucket string, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.bucket(bucket)[string(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Delete(ctx context.Context, bucket string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(bucket), string(key))
	return nil
}

func (m *memStore) Transaction(ctx context.Context, bucket string, compares []store.CompareOp, ifOps, elseOps []store.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)

	matched := true
	for _, c := range compares {
		current, ok := b[string(c.Key)]
		if c.Value == nil {
			if ok {
				matched = false
				break
			}
			continue
		}
		if !ok || string(current) != string(c.Value) {
			matched = false
			break
		}
	}

	ops := elseOps
	if matched {
		ops = ifOps
	}
	for _, op := range ops {
		if op.Delete {
			delete(b, string(op.Key))
			continue
		}
		b[string(op.Key)] = append([]byte(nil), op.Value...)
	}
	return nil
}

func (m *memStore) Online(ctx context.Context) bool { return true }
func (m *memStore) Close() error                    { return nil }

// newTestRegistry builds a nexus registry wired to an in-memory store, two
// reactors and a simulated NVMe-oF share target.
func newTestRegistry() *Registry {
	reactors := reactor.NewPool(2, 16)
	shareSvc := share.NewSimulated("127.0.0.1").WithPort(share.NexusPort)
	return NewRegistry(reactors, newMemStore(), shareSvc, rebuild.NewRegistry())
}

var mallocSeq int

// newMallocChild returns a fresh malloc:// URI and the bare device name it
// carries, so fault-injection tests can target the device by name without
// re-parsing the URI.
func newMallocChild(t *testing.T, sizeMB int) (uri, name string) {
	t.Helper()
	mallocSeq++
	name = fmt.Sprintf("nexus-test-%d-%d", mallocSeq, len(t.Name()))
	uri = fmt.Sprintf("malloc:///%s?size_mb=%d", name, sizeMB)
	return uri, name
}

func mallocURI(t *testing.T, sizeMB int) string {
	uri, _ := newMallocChild(t, sizeMB)
	return uri
}

// createTestNexus builds a nexus named name over n malloc children, each
// sizeMB large.
func createTestNexus(t *testing.T, r *Registry, name string, n int, sizeMB int) *Nexus {
	t.Helper()
	uris := make([]string, n)
	for i := range uris {
		uris[i] = mallocURI(t, sizeMB)
	}
	nx, err := r.Create(context.Background(), name, uint64(sizeMB)*1024*1024, "", uris, types.DefaultNexusNvmeParams())
	require.NoError(t, err)
	return nx
}
