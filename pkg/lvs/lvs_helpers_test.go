package lvs

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/flowstor/ionexus/pkg/store"
)

// memStore is a minimal in-memory store.Store used so pool/lvol tests don't
// touch the filesystem; mirrors pkg/nexus's test double of the same shape.
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

var baseSeq int

// newBaseURI returns a fresh malloc:// URI suitable as a pool base device.
func newBaseURI(t *testing.T, sizeMB int) string {
	t.Helper()
	baseSeq++
	return fmt.Sprintf("malloc:///pool-base-%d-%d?size_mb=%d", baseSeq, len(t.Name()), sizeMB)
}
